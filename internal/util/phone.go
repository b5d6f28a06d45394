package util

import (
	"regexp"
	"strings"
)

var nonDigits = regexp.MustCompile(`[^\d]+`)

const (
	DefaultCountryCode = "254"

	// national significant number length for Safaricom MSISDNs
	subscriberLen = 9
)

// NormalizePhone turns user input into the gateway's international form
// (country code + subscriber number, no plus sign), e.g. 0712345678 -> 254712345678.
// It returns false when the input cannot be a mobile number.
func NormalizePhone(raw, countryCode string) (string, bool) {
	s := nonDigits.ReplaceAllString(strings.TrimSpace(raw), "")
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}

	switch {
	case strings.HasPrefix(s, "00"+countryCode):
		s = s[2:]
	case strings.HasPrefix(s, "0") && len(s) == subscriberLen+1:
		s = countryCode + s[1:]
	case len(s) == subscriberLen && (s[0] == '7' || s[0] == '1'):
		s = countryCode + s
	}

	if len(s) != len(countryCode)+subscriberLen || !strings.HasPrefix(s, countryCode) {
		return "", false
	}
	return s, true
}
