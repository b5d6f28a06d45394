package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jmehdipour/coursepay/internal/model"
)

var ErrMalformedCallback = errors.New("mpesa: malformed stk callback")

// STKCallback is the envelope the gateway POSTs to CallBackURL.
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        Code   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item Metadata `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// Metadata is looked up by Name; the gateway does not guarantee item order.
type Metadata []MetadataItem

// Lookup returns the raw value text for name; numbers keep their digits, strings lose their quotes.
func (m Metadata) Lookup(name string) (string, bool) {
	for _, it := range m {
		if !strings.EqualFold(it.Name, name) || len(it.Value) == 0 {
			continue
		}
		v := bytes.TrimSpace(it.Value)
		if bytes.Equal(v, []byte("null")) {
			return "", false
		}
		if v[0] == '"' {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return "", false
			}
			return s, true
		}
		return string(v), true
	}
	return "", false
}

// ParseSTKCallback decodes a callback body into a PaymentOutcome.
func ParseSTKCallback(payload []byte) (model.PaymentOutcome, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return model.PaymentOutcome{}, fmt.Errorf("%w: empty body", ErrMalformedCallback)
	}

	var cb STKCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return model.PaymentOutcome{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	stk := cb.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return model.PaymentOutcome{}, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	code, ok := stk.ResultCode.Int()
	if !ok {
		return model.PaymentOutcome{}, fmt.Errorf("%w: missing or invalid ResultCode %q", ErrMalformedCallback, string(stk.ResultCode))
	}

	out := model.PaymentOutcome{
		CheckoutRequestID: stk.CheckoutRequestID,
		MerchantRequestID: stk.MerchantRequestID,
		ResultCode:        code,
		ResultDesc:        stk.ResultDesc,
	}

	meta := stk.CallbackMetadata.Item
	if v, ok := meta.Lookup("Amount"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out.Amount = int64(math.Round(f))
		}
	}
	if v, ok := meta.Lookup("MpesaReceiptNumber"); ok {
		out.ReceiptNumber = v
	}
	if v, ok := meta.Lookup("PhoneNumber"); ok {
		out.PhoneNumber = v
	}
	if v, ok := meta.Lookup("TransactionDate"); ok {
		out.TransactionDate = v
	}

	return out, nil
}
