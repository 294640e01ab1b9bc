package entitlement

import (
	"context"
	"time"
)

// DirectGrant is one fulfilled purchase already resolved to an account.
// ApplyDirect persists all of it in a single transaction.
type DirectGrant struct {
	UID         string
	Email       string
	EmailHash   string
	CustomerRef string
	Entitlement Entitlement
}

// ClaimOutcome reports one claim reconciliation.
type ClaimOutcome struct {
	Claimed   int      `json:"claimed"`
	Operators []string `json:"operators"`
}

// Store describes persistence operations required by the fulfillment and
// authorization core. Implemented by the in-memory store and the Postgres
// store; every multi-document write method is a single atomic transaction.
type Store interface {
	// BeginEvent performs a conditional create of the ledger entry keyed by
	// the processor-assigned event id. It must be a genuine create-if-absent
	// against the store, never a read-then-write, so two concurrent workers
	// cannot both observe "absent".
	BeginEvent(ctx context.Context, entry LedgerEntry) (EventStatus, error)
	// MarkEventProcessed flips the entry's processed flag to true.
	MarkEventProcessed(ctx context.Context, eventID string) error

	// UIDByCustomerRef resolves a processor customer reference through the
	// payment-link table. ErrNotFound when no link exists.
	UIDByCustomerRef(ctx context.Context, ref string) (string, error)

	// ApplyDirect runs the direct fulfillment path atomically: payment link
	// upsert, user upsert with totals accumulation, membership
	// create-if-absent, entitlement create, waitlist lead conversion.
	ApplyDirect(ctx context.Context, g DirectGrant) error

	// CreatePending stores an unclaimed grant under its email-hash bucket.
	CreatePending(ctx context.Context, p PendingEntitlement) error

	// ClaimPending migrates every unclaimed pending entitlement for the
	// email's hash into the given account, atomically, preserving original
	// grant timestamps. Returns a zero outcome when nothing is pending.
	ClaimPending(ctx context.Context, uid, email string, now time.Time) (ClaimOutcome, error)

	// Reads used by actor resolution and the portal.
	RoleAssignments(ctx context.Context, uid string) ([]RoleAssignment, error)
	ActiveMembershipOperators(ctx context.Context, uid string) ([]string, error)
	ActiveEntitlementOperators(ctx context.Context, uid string) ([]string, error)
	ListEntitlements(ctx context.Context, uid, operatorID string) ([]Entitlement, error)
	ListMembers(ctx context.Context, operatorID string) ([]Membership, error)
	Operator(ctx context.Context, id string) (Operator, error)
	User(ctx context.Context, uid string) (User, error)
}

// Directory resolves a purchaser email to an existing account uid through
// the identity-provider collaborator. Implementations must fail fast; a
// lookup error sends fulfillment down the pending path instead of blocking
// the webhook.
type Directory interface {
	UIDByEmail(ctx context.Context, email string) (string, error)
}
