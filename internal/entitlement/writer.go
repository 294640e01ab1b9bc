package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"grantway.org/internal/obs"
)

// Fulfillment paths.
const (
	PathDirect  = "direct"
	PathPending = "pending"
)

// Outcomes of processing one inbound event.
const (
	OutcomeFulfilled = "fulfilled"
	OutcomePending   = "pending"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
)

// Identity lookups must not hold the webhook open past the processor's retry
// window; a slow directory fails fast into the pending path.
const directoryTimeout = 3 * time.Second

// AccessNote is the "your access is ready" notification payload handed to
// the mail collaborator after commit.
type AccessNote struct {
	Email      string `json:"email"`
	OperatorID string `json:"operator_id"`
	ResourceID string `json:"resource_id"`
	// Pending marks the unknown-purchaser path: the recipient still has to
	// create an account before the grant becomes visible.
	Pending bool `json:"pending"`
}

// Notifier dispatches access-ready notes. Failures are logged and swallowed;
// a down mail provider must never undo or retry fulfillment.
type Notifier interface {
	AccessReady(ctx context.Context, note AccessNote) error
}

// InboundEvent is one signature-verified webhook delivery.
type InboundEvent struct {
	ID       string
	Type     string
	Purchase PurchaseRecord
}

// Result reports what one Process call did.
type Result struct {
	Outcome       string   `json:"outcome"`
	Path          string   `json:"path,omitempty"`
	EntitlementID string   `json:"entitlement_id,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Missing       []string `json:"missing,omitempty"`
	Replayed      bool     `json:"replayed,omitempty"`
}

// Engine converts verified purchase events into entitlements. It owns every
// write on the fulfillment path; claim reconciliation lives in Reconciler.
type Engine struct {
	store  Store
	dir    Directory
	notify Notifier
	now    func() time.Time
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the fulfillment engine. dir and notifier may be nil:
// without a directory every unresolved purchase lands on the pending path,
// and without a notifier access notes are only logged.
func NewEngine(store Store, dir Directory, notifier Notifier, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("entitlement: store is required")
	}
	e := &Engine{store: store, dir: dir, notify: notifier, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Process handles one inbound event end to end: ledger conditional create,
// path selection, atomic persistence, ledger flip, best-effort notification.
// A returned error means a transient fulfillment failure; the caller answers
// 500 so the processor retries, which is safe because of the ledger.
func (e *Engine) Process(ctx context.Context, evt InboundEvent) (Result, error) {
	evt.ID = strings.TrimSpace(evt.ID)
	if evt.ID == "" {
		return Result{}, fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}

	status, err := e.store.BeginEvent(ctx, LedgerEntry{
		EventID:    evt.ID,
		Type:       evt.Type,
		ReceivedAt: e.now().UTC(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("begin event %s: %w", evt.ID, err)
	}
	if status == EventDuplicate {
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	replayed := status == EventReplay

	if evt.Type != EventTypePurchaseCompleted {
		if err := e.store.MarkEventProcessed(ctx, evt.ID); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeIgnored, Reason: "event_type", Replayed: replayed}, nil
	}

	rec := evt.Purchase
	rec.EventID = evt.ID
	rec.Sanitize()

	if missing := rec.MissingFields(); len(missing) > 0 {
		// Accepted but ignored: retrying cannot fix processor-side metadata,
		// so the entry is marked processed and the defect is logged instead.
		if err := e.store.MarkEventProcessed(ctx, evt.ID); err != nil {
			return Result{}, err
		}
		obs.LogError("purchase event missing metadata", nil, map[string]any{
			"event_id": evt.ID,
			"missing":  missing,
		})
		return Result{Outcome: OutcomeIgnored, Reason: "missing_metadata", Missing: missing, Replayed: replayed}, nil
	}

	ent := rec.grant(e.now().UTC())
	emailHash := HashEmail(rec.PurchaserEmail)

	uid := e.resolveUID(ctx, rec)
	if uid == "" {
		pending := PendingEntitlement{
			Entitlement: ent,
			Email:       rec.PurchaserEmail,
			EmailHash:   emailHash,
		}
		if err := e.store.CreatePending(ctx, pending); err != nil {
			return Result{}, fmt.Errorf("create pending entitlement: %w", err)
		}
		if err := e.store.MarkEventProcessed(ctx, evt.ID); err != nil {
			return Result{}, err
		}
		obs.CountFulfillment(PathPending)
		e.dispatch(ctx, AccessNote{
			Email:      rec.PurchaserEmail,
			OperatorID: rec.OperatorID,
			ResourceID: rec.ResourceID,
			Pending:    true,
		})
		return Result{Outcome: OutcomePending, Path: PathPending, EntitlementID: ent.ID, Replayed: replayed}, nil
	}

	ent.UID = uid
	grant := DirectGrant{
		UID:         uid,
		Email:       rec.PurchaserEmail,
		EmailHash:   emailHash,
		CustomerRef: rec.CustomerRef,
		Entitlement: ent,
	}
	if err := e.store.ApplyDirect(ctx, grant); err != nil {
		return Result{}, fmt.Errorf("apply direct grant: %w", err)
	}
	if err := e.store.MarkEventProcessed(ctx, evt.ID); err != nil {
		return Result{}, err
	}
	obs.CountFulfillment(PathDirect)
	e.dispatch(ctx, AccessNote{
		Email:      rec.PurchaserEmail,
		OperatorID: rec.OperatorID,
		ResourceID: rec.ResourceID,
	})
	return Result{Outcome: OutcomeFulfilled, Path: PathDirect, EntitlementID: ent.ID, Replayed: replayed}, nil
}

// resolveUID attempts, in order: the payment-link table by processor
// customer reference, then the identity directory by normalized email.
// Any lookup failure resolves to "" and selects the pending path.
func (e *Engine) resolveUID(ctx context.Context, rec PurchaseRecord) string {
	if rec.CustomerRef != "" {
		uid, err := e.store.UIDByCustomerRef(ctx, rec.CustomerRef)
		if err == nil && uid != "" {
			return uid
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			obs.LogError("payment link lookup failed", err, map[string]any{
				"event_id": rec.EventID,
			})
		}
	}
	if e.dir == nil {
		return ""
	}
	lookupCtx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	uid, err := e.dir.UIDByEmail(lookupCtx, rec.PurchaserEmail)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.LogError("directory lookup failed, using pending path", err, map[string]any{
				"event_id": rec.EventID,
			})
		}
		return ""
	}
	return uid
}

// dispatch sends the access note after commit. Best effort only.
func (e *Engine) dispatch(ctx context.Context, note AccessNote) {
	if e.notify == nil {
		obs.LogRequest(map[string]any{
			"msg":         "access note (no dispatcher configured)",
			"email":       note.Email,
			"operator_id": note.OperatorID,
			"pending":     note.Pending,
		})
		return
	}
	if err := e.notify.AccessReady(ctx, note); err != nil {
		obs.CountNotifyFailure()
		obs.LogError("access notification failed", err, map[string]any{
			"operator_id": note.OperatorID,
		})
	}
}
