package entitlement

import (
	"strings"
	"time"

	"grantway.org/internal/ids"
)

// PurchaseRecord is the strictly validated, normalized form of a processor
// "purchase completed" event. Loose payloads are parsed into it at the
// ingress boundary; untyped maps never reach the write path.
type PurchaseRecord struct {
	EventID      string `json:"event_id"`
	OperatorID   string `json:"operator_id"`
	ResourceID   string `json:"resource_id"`
	SourceModule string `json:"source_module,omitempty"`
	Vertical     string `json:"vertical,omitempty"`

	PurchaserEmail string `json:"purchaser_email"`
	AmountTotal    int64  `json:"amount_total"` // minor units
	Currency       string `json:"currency"`
	Mode           string `json:"mode"` // payment | subscription

	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	SubscriptionID  string `json:"subscription_id,omitempty"`
	CustomerRef     string `json:"customer_ref,omitempty"`
	SessionID       string `json:"session_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Sanitize is the single normalization step applied before any write: trims
// every field, lower-cases the email, upper-cases the currency and fills
// derivable defaults. The stores reject nothing after this.
func (r *PurchaseRecord) Sanitize() {
	r.EventID = strings.TrimSpace(r.EventID)
	r.OperatorID = strings.TrimSpace(r.OperatorID)
	r.ResourceID = strings.TrimSpace(r.ResourceID)
	r.SourceModule = strings.TrimSpace(r.SourceModule)
	r.Vertical = strings.TrimSpace(r.Vertical)
	r.PurchaserEmail = NormalizeEmail(r.PurchaserEmail)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Mode = strings.ToLower(strings.TrimSpace(r.Mode))
	r.PaymentIntentID = strings.TrimSpace(r.PaymentIntentID)
	r.SubscriptionID = strings.TrimSpace(r.SubscriptionID)
	r.CustomerRef = strings.TrimSpace(r.CustomerRef)
	r.SessionID = strings.TrimSpace(r.SessionID)

	if r.Mode == "" {
		r.Mode = "payment"
	}
	if r.SourceModule == "" {
		if r.Mode == "subscription" {
			r.SourceModule = "subscription"
		} else {
			r.SourceModule = "program"
		}
	}
}

// MissingFields names the required processor metadata absent from the
// record. A non-empty result means the event is accepted and logged but
// never retried: a processor-side metadata defect cannot be fixed by
// retrying.
func (r PurchaseRecord) MissingFields() []string {
	var missing []string
	if r.OperatorID == "" {
		missing = append(missing, "operator_id")
	}
	if r.ResourceID == "" {
		missing = append(missing, "resource_id")
	}
	if r.PurchaserEmail == "" {
		missing = append(missing, "purchaser_email")
	}
	return missing
}

// grant builds the entitlement document for this purchase. GrantedAt keeps
// the purchase time so reporting stays chronologically correct even when the
// grant is claimed much later.
func (r PurchaseRecord) grant(now time.Time) Entitlement {
	granted := r.OccurredAt
	if granted.IsZero() {
		granted = now
	}
	return Entitlement{
		ID:         ids.New(),
		OperatorID: r.OperatorID,
		Vertical:   r.Vertical,
		Type:       r.SourceModule,
		ResourceID: r.ResourceID,
		Status:     StatusActive,
		GrantedAt:  granted.UTC(),
		Payment: PaymentLinkage{
			SessionID:       r.SessionID,
			EventID:         r.EventID,
			PaymentIntentID: r.PaymentIntentID,
			SubscriptionID:  r.SubscriptionID,
		},
		AmountTotal: r.AmountTotal,
		Currency:    r.Currency,
		Engine:      EngineVersion,
	}
}
