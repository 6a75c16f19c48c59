package fund

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"escrowflow/metrics"
)

// SignatureHeader carries the gateway's HMAC over the raw request body.
const SignatureHeader = "X-CC-Webhook-Signature"

// WebhookHandler terminates payment gateway callbacks. Authentication is a
// shared-secret HMAC-SHA256 over the exact raw body; verification happens
// before any parsing so malformed payloads cannot probe an unauthenticated
// surface.
type WebhookHandler struct {
	secret  []byte
	service *Service
}

func NewWebhookHandler(sharedSecret string, service *Service) *WebhookHandler {
	return &WebhookHandler{secret: []byte(sharedSecret), service: service}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		metrics.WebhookAuthFailures.Inc()
		http.Error(w, "missing signature", http.StatusBadRequest)
		return
	}
	if !h.verify(body, sig) {
		metrics.WebhookAuthFailures.Inc()
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if evt.Data.Metadata.DealID == "" {
		http.Error(w, "missing deal id", http.StatusBadRequest)
		return
	}

	outcome, err := h.service.HandleEvent(r.Context(), evt)
	if err != nil {
		if errors.Is(err, ErrDealMismatch) {
			metrics.WebhookEvents.WithLabelValues(evt.Type, "rejected").Inc()
			http.Error(w, "charge does not match deal", http.StatusBadRequest)
			return
		}
		metrics.WebhookEvents.WithLabelValues(evt.Type, "error").Inc()
		slog.Error("webhook reconciliation failed", "type", evt.Type, "charge", evt.ChargeRef(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	metrics.WebhookEvents.WithLabelValues(evt.Type, string(outcome)).Inc()
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"outcome": string(outcome)})
}

func (h *WebhookHandler) verify(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}
