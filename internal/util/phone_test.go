package util

import (
	"fmt"
	"math/rand"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"0712345678", "254712345678", true},
		{"0112345678", "254112345678", true},
		{" 0712 345 678 ", "254712345678", true},
		{"+254712345678", "254712345678", true},
		{"254712345678", "254712345678", true},
		{"00254712345678", "254712345678", true},
		{"712345678", "254712345678", true},
		{"071234567", "", false},
		{"", "", false},
		{"+1 415 555 0100", "", false},
	}

	for _, tc := range cases {
		got, ok := NormalizePhone(tc.in, "254")
		if ok != tc.ok || got != tc.want {
			t.Fatalf("NormalizePhone(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNormalizePhone_LocalPrefixAlwaysBecomesCountryCode(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		rest := fmt.Sprintf("%09d", r.Intn(1_000_000_000))
		got, ok := NormalizePhone("0"+rest, "254")
		if !ok {
			t.Fatalf("expected 0%s to normalize", rest)
		}
		if got != "254"+rest {
			t.Fatalf("NormalizePhone(0%s) = %s, want 254%s", rest, got, rest)
		}
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
