package entitlement

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// EngineVersion is stamped onto every entitlement this code writes, so
// reporting can distinguish grants produced by older fulfillment logic.
const EngineVersion = 2

// EventTypePurchaseCompleted is the only processor event type that triggers
// fulfillment. Everything else is acknowledged and ignored.
const EventTypePurchaseCompleted = "checkout.completed"

// Entitlement statuses. Transitions out of active are driven by external
// expiry or admin action; this package only creates active grants and reads
// statuses back for authorization.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// Membership statuses.
const (
	MembershipActive  = "active"
	MembershipChurned = "churned"
)

// Role is the portal role hierarchy. Default for a uid with no assignment is
// client.
type Role string

const (
	RoleClient Role = "client"
	RoleCoach  Role = "coach"
	RoleAdmin  Role = "admin"
)

// Level maps a role onto the fixed hierarchy client(0) < coach(1) < admin(2).
// Unknown roles rank below client.
func (r Role) Level() int {
	switch r {
	case RoleClient:
		return 0
	case RoleCoach:
		return 1
	case RoleAdmin:
		return 2
	default:
		return -1
	}
}

// EventStatus is the outcome of the conditional create on the event ledger.
type EventStatus int

const (
	// EventCreated: first sight of this event id, proceed with handling.
	EventCreated EventStatus = iota
	// EventReplay: the entry exists but a prior attempt never finished.
	// Reprocessing is safe because every downstream write is idempotent on
	// natural keys.
	EventReplay
	// EventDuplicate: the entry exists and is marked processed.
	EventDuplicate
)

// LedgerEntry is the append-only idempotency record for one inbound event.
// At most one entry exists per processor-assigned event id; Processed flips
// false to true exactly once and entries are never deleted.
type LedgerEntry struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	ReceivedAt time.Time `json:"received_at"`
	Processed  bool      `json:"processed"`
}

// PaymentLinkage ties a grant back to the processor objects that produced it.
type PaymentLinkage struct {
	SessionID       string `json:"session_id,omitempty"`
	EventID         string `json:"event_id,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	SubscriptionID  string `json:"subscription_id,omitempty"`
}

// Entitlement is a durable grant of access to one resource for one
// user+operator pair. Immutable except for status transitions.
type Entitlement struct {
	ID          string         `json:"id"`
	UID         string         `json:"uid"`
	OperatorID  string         `json:"operator_id"`
	Vertical    string         `json:"vertical,omitempty"`
	Type        string         `json:"type"`
	ResourceID  string         `json:"resource_id"`
	Status      string         `json:"status"`
	GrantedAt   time.Time      `json:"granted_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Payment     PaymentLinkage `json:"payment"`
	AmountTotal int64          `json:"amount_total"` // minor units
	Currency    string         `json:"currency"`
	Engine      int            `json:"engine_version"`
}

// PendingEntitlement is a grant awaiting association with an authenticated
// identity, bucketed by the hash of the normalized purchaser email. It is
// created once per unresolved purchase and mutated exactly once when claimed.
type PendingEntitlement struct {
	Entitlement
	Email        string     `json:"email"`
	EmailHash    string     `json:"email_hash"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	ClaimedByUID string     `json:"claimed_by_uid,omitempty"`
}

// User is an account with purchase totals. Mutated additively; never deleted
// by this core.
type User struct {
	UID            string     `json:"uid"`
	Email          string     `json:"email"`
	EmailLower     string     `json:"email_lower"`
	Name           string     `json:"name,omitempty"`
	CustomerRef    string     `json:"customer_ref,omitempty"` // payment-processor customer link
	SpentCents     int64      `json:"spent_cents"`
	LastPurchaseAt *time.Time `json:"last_purchase_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Membership marks an ongoing relationship between a user and an operator.
// Created the first time a uid gets any entitlement for that operator.
type Membership struct {
	UID        string    `json:"uid"`
	OperatorID string    `json:"operator_id"`
	Vertical   string    `json:"vertical,omitempty"`
	Status     string    `json:"status"`
	JoinedAt   time.Time `json:"joined_at"`
}

// WaitlistLead is converted as a side effect of either fulfillment path
// matching the same operator+email.
type WaitlistLead struct {
	EmailHash   string     `json:"email_hash"`
	OperatorID  string     `json:"operator_id"`
	ConvertedAt *time.Time `json:"converted_at,omitempty"`
	UID         string     `json:"uid,omitempty"`
}

// RoleAssignment is an explicit elevation for one uid, optionally scoped to
// an operator. AllOperators marks a superadmin assignment explicitly instead
// of relying on an empty scope being read as universal access.
type RoleAssignment struct {
	UID          string    `json:"uid"`
	OperatorID   string    `json:"operator_id,omitempty"`
	Role         Role      `json:"role"`
	AllOperators bool      `json:"all_operators,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Branding is presentation data the portal bootstrap hands to the client.
type Branding struct {
	DisplayName string `json:"display_name"`
	AccentColor string `json:"accent_color,omitempty"`
	LogoURL     string `json:"logo_url,omitempty"`
}

// Operator is an operator business. Reference data as far as this core is
// concerned; fulfillment never writes it.
type Operator struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Vertical string   `json:"vertical"`
	Features []string `json:"features"`
	Branding Branding `json:"branding"`
}

var (
	ErrNotFound     = errors.New("entitlement: not found")
	ErrInvalidInput = errors.New("entitlement: invalid input")
)

// NormalizeEmail lower-cases and trims a purchaser email. Every email
// comparison and hash in this package goes through it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashEmail returns the bucket key for pending entitlements and waitlist
// leads: hex SHA-256 of the normalized email.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}
