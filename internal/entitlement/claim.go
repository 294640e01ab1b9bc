package entitlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"grantway.org/internal/obs"
)

// Reconciler migrates pending entitlements into a real account once the
// purchaser authenticates. Invoked opportunistically on every authenticated
// bootstrap call; a cheap no-op when nothing is pending.
type Reconciler struct {
	store Store
	now   func() time.Time
}

// NewReconciler constructs a claim reconciler.
func NewReconciler(store Store, opts ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	r := &Reconciler{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ReconcilerOption configures Reconciler behavior.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the time source (useful for tests).
func WithReconcilerClock(fn func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if fn != nil {
			r.now = fn
		}
	}
}

// Claim moves every unclaimed pending entitlement for the authenticated
// email into uid's account. Re-invocation after success is a no-op because
// claimedAt is then set on every record.
func (r *Reconciler) Claim(ctx context.Context, uid, email string) (ClaimOutcome, error) {
	uid = strings.TrimSpace(uid)
	email = NormalizeEmail(email)
	if uid == "" || email == "" {
		return ClaimOutcome{}, fmt.Errorf("%w: uid and email are required", ErrInvalidInput)
	}
	out, err := r.store.ClaimPending(ctx, uid, email, r.now().UTC())
	if err != nil {
		return ClaimOutcome{}, fmt.Errorf("claim pending entitlements: %w", err)
	}
	if out.Claimed > 0 {
		obs.CountClaims(out.Claimed)
		obs.LogRequest(map[string]any{
			"msg":       "pending entitlements claimed",
			"uid":       uid,
			"claimed":   out.Claimed,
			"operators": out.Operators,
		})
	}
	if out.Operators == nil {
		out.Operators = []string{}
	}
	return out, nil
}
