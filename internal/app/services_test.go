package app

import (
	"testing"
	"time"

	"github.com/jmehdipour/coursepay/internal/config"
)

func TestConfigMapping(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	mc := MpesaClientConfig(cfg.Mpesa)
	if mc.Timeout != 30*time.Second || mc.OpenFor != 15*time.Second || mc.FailThreshold != 5 {
		t.Fatalf("unexpected client config %+v", mc)
	}
	if mc.URL() != "https://sandbox.safaricom.co.ke" {
		t.Fatalf("expected sandbox url, got %s", mc.URL())
	}

	cc := CheckoutConfig(cfg.Mpesa)
	if cc.CallbackPath != "/v1/mpesa/callback" || cc.AccountReference != "COURSEPAY" {
		t.Fatalf("unexpected checkout config %+v", cc)
	}
}
