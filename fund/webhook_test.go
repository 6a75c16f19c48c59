package fund

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"escrowflow/deal"
)

const testSecret = "whsec-test"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestHandler(repo *fakeFundRepo) *WebhookHandler {
	svc := NewService(&fakePool{}, repo, &fakeDealReader{deal: buyerDeal(deal.StatusFunding)}, &fakeAuthority{}, &fakeRecorder{})
	return NewWebhookHandler(testSecret, svc)
}

func TestWebhook_ConfirmedCharge(t *testing.T) {
	repo := newFakeFundRepo()
	repo.funds["fund-1"] = Fund{ID: "fund-1", DealID: "deal-1", Method: MethodCrypto, Status: StatusPending, ExternalRef: "CHARGE-1"}
	handler := newTestHandler(repo)

	body, _ := json.Marshal(confirmedEvent())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(string(body)))
	req.Header.Set(SignatureHeader, sign(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["outcome"] != string(OutcomeApplied) {
		t.Errorf("expected applied outcome, got %q", resp["outcome"])
	}
	if repo.funds["fund-1"].Status != StatusConfirmed {
		t.Errorf("expected fund confirmed")
	}
}

func TestWebhook_RedeliveryReturns200(t *testing.T) {
	repo := newFakeFundRepo()
	repo.funds["fund-1"] = Fund{ID: "fund-1", DealID: "deal-1", Method: MethodCrypto, Status: StatusConfirmed, ExternalRef: "CHARGE-1"}
	handler := newTestHandler(repo)

	body, _ := json.Marshal(confirmedEvent())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(string(body)))
	req.Header.Set(SignatureHeader, sign(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for redelivery, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["outcome"] != string(OutcomeDuplicate) {
		t.Errorf("expected duplicate outcome, got %q", resp["outcome"])
	}
}

func TestWebhook_MissingSignature(t *testing.T) {
	handler := newTestHandler(newFakeFundRepo())

	body, _ := json.Marshal(confirmedEvent())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	handler := newTestHandler(newFakeFundRepo())

	body, _ := json.Marshal(confirmedEvent())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(string(body)))
	req.Header.Set(SignatureHeader, sign([]byte("other payload")))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWebhook_MalformedPayload(t *testing.T) {
	handler := newTestHandler(newFakeFundRepo())

	body := []byte("{not json")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(string(body)))
	req.Header.Set(SignatureHeader, sign(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_MissingDealID(t *testing.T) {
	handler := newTestHandler(newFakeFundRepo())

	evt := confirmedEvent()
	evt.Data.Metadata.DealID = ""
	body, _ := json.Marshal(evt)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(string(body)))
	req.Header.Set(SignatureHeader, sign(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	handler := newTestHandler(newFakeFundRepo())

	req := httptest.NewRequest(http.MethodGet, "/webhooks/payment", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
