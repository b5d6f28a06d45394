package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"strconv"
	"time"
)

const (
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	TransactionTypePayBill  = "CustomerPayBillOnline"
	TransactionTypeBuyGoods = "CustomerBuyGoodsOnline"

	// ResponseAccepted is the ResponseCode for a request the gateway took on.
	ResponseAccepted = "0"

	timestampLayout = "20060102150405"
)

// The gateway validates timestamps against East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

// Password derives the per-request STK password and the timestamp it was signed with.
// Both must be sent together and go stale, so compute them per call.
func Password(shortCode, passkey string, at time.Time) (password, timestamp string) {
	timestamp = at.In(eat).Format(timestampLayout)
	password = base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
	return password, timestamp
}

type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

func (r STKPushResponse) Accepted() bool { return r.ResponseCode == ResponseAccepted }

// STKPush asks the gateway to prompt the payer's phone.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	var out STKPushResponse
	if err := c.post(ctx, "stkpush", stkPushPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type STKQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          Code   `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// STKQuery asks the gateway for the outcome of an earlier push.
func (c *Client) STKQuery(ctx context.Context, req STKQueryRequest) (*STKQueryResponse, error) {
	var out STKQueryResponse
	if err := c.post(ctx, "stkquery", stkQueryPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Code is a result code the gateway sends either as a JSON string or number.
type Code string

func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	*c = Code(bytes.Trim(b, `"`))
	return nil
}

func (c Code) Int() (int, bool) {
	n, err := strconv.Atoi(string(c))
	return n, err == nil
}
