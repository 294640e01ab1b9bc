package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grantway.org/internal/audit"
	"grantway.org/internal/entitlement"
	"grantway.org/internal/obs"
)

const signatureHeader = "X-Payment-Signature"

var errInvalidSignature = errors.New("invalid webhook signature")

// webhookEnvelope is the processor's delivery wrapper. Unknown fields are
// tolerated; processor payloads grow over time.
type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object webhookObject `json:"object"`
	} `json:"data"`
}

type webhookObject struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Customer      string            `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	PaymentIntent string            `json:"payment_intent"`
	Subscription  string            `json:"subscription"`
	Created       int64             `json:"created"`
	Metadata      map[string]string `json:"metadata"`
}

// handleWebhook is the fulfillment ingress. Signature failures are terminal
// 400s; only engine errors answer 500 so the processor retries.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.webhookSecret == "" {
		writeError(w, r, http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "cannot read request body")
		return
	}

	if err := verifySignature(a.webhookSecret, r.Header.Get(signatureHeader), body, a.webhookTolerance, time.Now()); err != nil {
		obs.CountWebhookEvent("invalid_signature")
		writeError(w, r, http.StatusBadRequest, "invalid signature")
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		obs.CountWebhookEvent("malformed")
		writeError(w, r, http.StatusBadRequest, "malformed event payload")
		return
	}
	if strings.TrimSpace(env.ID) == "" {
		obs.CountWebhookEvent("malformed")
		writeError(w, r, http.StatusBadRequest, "event id is required")
		return
	}

	obj := env.Data.Object
	var occurred time.Time
	if obj.Created > 0 {
		occurred = time.Unix(obj.Created, 0).UTC()
	}
	evt := entitlement.InboundEvent{
		ID:   env.ID,
		Type: env.Type,
		Purchase: entitlement.PurchaseRecord{
			OperatorID:      obj.Metadata["operator_id"],
			ResourceID:      obj.Metadata["resource_id"],
			SourceModule:    obj.Metadata["source_module"],
			Vertical:        obj.Metadata["vertical"],
			PurchaserEmail:  obj.CustomerEmail,
			AmountTotal:     obj.AmountTotal,
			Currency:        obj.Currency,
			Mode:            obj.Mode,
			PaymentIntentID: obj.PaymentIntent,
			SubscriptionID:  obj.Subscription,
			CustomerRef:     obj.Customer,
			SessionID:       obj.ID,
			OccurredAt:      occurred,
		},
	}

	res, err := a.engine.Process(r.Context(), evt)
	if err != nil {
		if errors.Is(err, entitlement.ErrInvalidInput) {
			obs.CountWebhookEvent("malformed")
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		obs.CountWebhookEvent("error")
		obs.LogError("webhook fulfillment failed", err, map[string]any{
			"event_id":   env.ID,
			"request_id": RequestIDFromContext(r.Context()),
		})
		writeError(w, r, http.StatusInternalServerError, "fulfillment failed")
		return
	}

	obs.CountWebhookEvent(res.Outcome)
	fields := map[string]any{
		"event_id": env.ID,
		"type":     env.Type,
		"outcome":  res.Outcome,
	}
	if res.Path != "" {
		fields["path"] = res.Path
	}
	if res.Reason != "" {
		fields["reason"] = res.Reason
	}
	_ = audit.LogEvent(r.Context(), "fulfillment.webhook", fields)

	writeJSON(w, http.StatusOK, res)
}

// verifySignature checks the processor's `t=<unix>,v1=<hex>` signature over
// `<t>.<body>`. Comparison is constant time; the timestamp must be within
// tolerance of now in either direction.
func verifySignature(secret, header string, body []byte, tolerance time.Duration, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return errInvalidSignature
	}

	var ts int64
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return errInvalidSignature
			}
			ts = parsed
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == 0 || len(candidates) == 0 {
		return errInvalidSignature
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return errInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return errInvalidSignature
}

// SignPayload produces a valid signature header for the given body. Used by
// tests and the local smoke tool.
func SignPayload(secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
