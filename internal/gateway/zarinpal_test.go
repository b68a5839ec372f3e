package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"payrecon/internal/config"
	"payrecon/internal/model"
)

func newTestZarinpal(serverURL string) *Zarinpal {
	z := NewZarinpal(&config.ZarinpalConfig{
		Merchant:    "test-merchant-0000",
		CallbackURL: "https://shop.example.com/payment/notify/zarinpal",
	})
	z.apiBase = serverURL
	z.startBase = serverURL
	return z
}

func TestZarinpalInitiateReturnsAuthority(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pg/v4/payment/request.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"code": 100, "authority": "A0000012345"},
		})
	}))
	defer server.Close()

	z := newTestZarinpal(server.URL)
	res, err := z.Initiate(context.Background(), &model.Order{TradeNo: "ORD-1", TotalAmount: 5000})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if res.TrackID != "A0000012345" {
		t.Fatalf("authority wrong: %s", res.TrackID)
	}
	if res.RedirectURL != server.URL+"/pg/StartPay/A0000012345" {
		t.Fatalf("redirect url wrong: %s", res.RedirectURL)
	}
}

func TestZarinpalVerifyAlreadyVerifiedIsSuccess(t *testing.T) {
	var code int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"code": code, "ref_id": 777, "card_pan": "502229******1234"},
		})
	}))
	defer server.Close()

	z := newTestZarinpal(server.URL)

	// 100 首次确认、101 重复确认都算成功
	for _, c := range []int{100, 101} {
		code = c
		facts, err := z.Verify(context.Background(), "A0000012345", 5000)
		if err != nil {
			t.Fatalf("verify with code %d failed: %v", c, err)
		}
		if facts.GatewayRefNo != "777" {
			t.Fatalf("ref id wrong: %s", facts.GatewayRefNo)
		}
	}

	code = -50
	if _, err := z.Verify(context.Background(), "A0000012345", 5000); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("code -50 should map to ErrAmountMismatch, got %v", err)
	}

	code = -51
	if _, err := z.Verify(context.Background(), "A0000012345", 5000); !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("expected ErrVerifyFailed, got %v", err)
	}
}

func TestZarinpalInquiryStatusMapping(t *testing.T) {
	cases := []struct {
		status string
		want   Status
	}{
		{"PAID", StatusPaid},
		{"VERIFIED", StatusPaid},
		{"IN_BANK", StatusPending},
		{"FAILED", StatusFailed},
		{"REVERSED", StatusFailed},
		{"SOMETHING_NEW", StatusUnknown},
	}

	var status string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"code": 100, "status": status},
		})
	}))
	defer server.Close()

	z := newTestZarinpal(server.URL)
	for _, tc := range cases {
		status = tc.status
		res, err := z.Inquiry(context.Background(), "A0000012345")
		if err != nil {
			t.Fatalf("inquiry failed for %s: %v", tc.status, err)
		}
		if res.Status != tc.want {
			t.Fatalf("status %s mapped to %s, want %s", tc.status, res.Status, tc.want)
		}
	}
}

func TestZarinpalParseCallback(t *testing.T) {
	z := newTestZarinpal("https://api.zarinpal.com")

	params := url.Values{}
	params.Set("Authority", "A0000012345")
	params.Set("Status", "OK")

	cb, err := z.ParseCallback(params)
	if err != nil {
		t.Fatalf("parse callback failed: %v", err)
	}
	if cb.TrackID != "A0000012345" || !cb.Succeeded {
		t.Fatalf("unexpected callback: %+v", cb)
	}
	if cb.TradeNo != "" {
		t.Fatalf("zarinpal callback carries no trade no, got %s", cb.TradeNo)
	}

	params.Set("Status", "NOK")
	cb, _ = z.ParseCallback(params)
	if cb.Succeeded {
		t.Fatal("NOK should not be treated as paid")
	}

	params.Del("Authority")
	if _, err := z.ParseCallback(params); !errors.Is(err, ErrMalformedCallback) {
		t.Fatalf("expected ErrMalformedCallback, got %v", err)
	}
}
