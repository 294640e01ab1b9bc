// Package pg is the Postgres persistence layer. Every multi-document write
// runs in one transaction, and every insert that fulfillment can retry is
// keyed on a natural unique column so replays are no-ops.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"grantway.org/internal/entitlement"
)

type Store struct {
	db *sql.DB
}

var _ entitlement.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Test use.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// BeginEvent creates the ledger row if absent in one statement, so two
// workers racing on the same event id cannot both observe "absent".
func (s *Store) BeginEvent(ctx context.Context, entry entitlement.LedgerEntry) (entitlement.EventStatus, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into event_ledger(event_id, type, received_at, processed)
		values ($1,$2,$3,false)
		on conflict (event_id) do nothing
	`, entry.EventID, entry.Type, entry.ReceivedAt)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		return entitlement.EventCreated, nil
	}

	var processed bool
	err = s.db.QueryRowContext(ctx, `select processed from event_ledger where event_id=$1`, entry.EventID).Scan(&processed)
	if err != nil {
		return 0, err
	}
	if processed {
		return entitlement.EventDuplicate, nil
	}
	return entitlement.EventReplay, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `update event_ledger set processed=true where event_id=$1`, eventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entitlement.ErrNotFound
	}
	return nil
}

func (s *Store) UIDByCustomerRef(ctx context.Context, ref string) (string, error) {
	var uid string
	err := s.db.QueryRowContext(ctx, `select uid from payment_links where customer_ref=$1`, ref).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", entitlement.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return uid, nil
}

// ApplyDirect persists a resolved grant atomically. The entitlement insert
// is the idempotency gate: when the source event id is already present the
// whole write is a no-op, so a replayed webhook never double-counts totals.
func (s *Store) ApplyDirect(ctx context.Context, g entitlement.DirectGrant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ent := g.Entitlement
	ent.UID = g.UID
	created, err := insertEntitlement(ctx, tx, ent)
	if err != nil {
		return err
	}
	if !created {
		return tx.Commit()
	}

	if g.CustomerRef != "" {
		if _, err := tx.ExecContext(ctx, `
			insert into payment_links(customer_ref, uid)
			values ($1,$2)
			on conflict (customer_ref) do update set uid = excluded.uid
		`, g.CustomerRef, g.UID); err != nil {
			return err
		}
	}

	if err := upsertUser(ctx, tx, g.UID, g.Email, g.CustomerRef, ent.AmountTotal, ent.GrantedAt); err != nil {
		return err
	}
	if err := ensureMembership(ctx, tx, g.UID, ent.OperatorID, ent.Vertical, ent.GrantedAt); err != nil {
		return err
	}
	if err := convertLead(ctx, tx, g.EmailHash, ent.OperatorID, g.UID, ent.GrantedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreatePending(ctx context.Context, p entitlement.PendingEntitlement) error {
	_, err := s.db.ExecContext(ctx, `
		insert into pending_entitlements(
			id, email, email_hash, operator_id, vertical, type, resource_id, status,
			granted_at, expires_at, session_id, event_id, payment_intent_id, subscription_id,
			amount_total, currency, engine_version)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,nullif($11,''),nullif($12,''),nullif($13,''),nullif($14,''),$15,$16,$17)
		on conflict (event_id) do nothing
	`, p.ID, p.Email, p.EmailHash, p.OperatorID, p.Vertical, p.Type, p.ResourceID, p.Status,
		p.GrantedAt, p.ExpiresAt, p.Payment.SessionID, p.Payment.EventID, p.Payment.PaymentIntentID, p.Payment.SubscriptionID,
		p.AmountTotal, p.Currency, p.Engine)
	return err
}

// ClaimPending migrates every unclaimed pending row for the email's hash
// into the account in one transaction. Rows are locked first so a concurrent
// claim for the same email settles on one winner.
func (s *Store) ClaimPending(ctx context.Context, uid, email string, now time.Time) (entitlement.ClaimOutcome, error) {
	hash := entitlement.HashEmail(email)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entitlement.ClaimOutcome{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		select id, operator_id, vertical, type, resource_id, status, granted_at, expires_at,
			coalesce(session_id,''), coalesce(event_id,''), coalesce(payment_intent_id,''), coalesce(subscription_id,''),
			amount_total, currency, engine_version
		from pending_entitlements
		where email_hash=$1 and claimed_at is null
		order by id
		for update
	`, hash)
	if err != nil {
		return entitlement.ClaimOutcome{}, err
	}
	var pendings []entitlement.Entitlement
	for rows.Next() {
		var e entitlement.Entitlement
		if err := rows.Scan(&e.ID, &e.OperatorID, &e.Vertical, &e.Type, &e.ResourceID, &e.Status,
			&e.GrantedAt, &e.ExpiresAt,
			&e.Payment.SessionID, &e.Payment.EventID, &e.Payment.PaymentIntentID, &e.Payment.SubscriptionID,
			&e.AmountTotal, &e.Currency, &e.Engine); err != nil {
			rows.Close()
			return entitlement.ClaimOutcome{}, err
		}
		pendings = append(pendings, e)
	}
	if err := rows.Close(); err != nil {
		return entitlement.ClaimOutcome{}, err
	}
	if len(pendings) == 0 {
		return entitlement.ClaimOutcome{}, nil
	}

	var total int64
	var lastGranted time.Time
	operatorSet := make(map[string]struct{})
	for _, e := range pendings {
		e.UID = uid
		created, err := insertEntitlement(ctx, tx, e)
		if err != nil {
			return entitlement.ClaimOutcome{}, err
		}
		if created {
			total += e.AmountTotal
		}
		if e.GrantedAt.After(lastGranted) {
			lastGranted = e.GrantedAt
		}
		operatorSet[e.OperatorID] = struct{}{}
		if err := ensureMembership(ctx, tx, uid, e.OperatorID, e.Vertical, e.GrantedAt); err != nil {
			return entitlement.ClaimOutcome{}, err
		}
		if err := convertLead(ctx, tx, hash, e.OperatorID, uid, now); err != nil {
			return entitlement.ClaimOutcome{}, err
		}
	}

	if err := upsertUser(ctx, tx, uid, email, "", total, lastGranted); err != nil {
		return entitlement.ClaimOutcome{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update pending_entitlements
		set claimed_at=$1, claimed_by_uid=$2
		where email_hash=$3 and claimed_at is null
	`, now, uid, hash); err != nil {
		return entitlement.ClaimOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return entitlement.ClaimOutcome{}, err
	}

	operators := make([]string, 0, len(operatorSet))
	for op := range operatorSet {
		operators = append(operators, op)
	}
	sort.Strings(operators)
	return entitlement.ClaimOutcome{Claimed: len(pendings), Operators: operators}, nil
}

func (s *Store) RoleAssignments(ctx context.Context, uid string) ([]entitlement.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select uid, coalesce(operator_id,''), role, all_operators, created_at
		from role_assignments where uid=$1
	`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entitlement.RoleAssignment
	for rows.Next() {
		var a entitlement.RoleAssignment
		if err := rows.Scan(&a.UID, &a.OperatorID, &a.Role, &a.AllOperators, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ActiveMembershipOperators(ctx context.Context, uid string) ([]string, error) {
	return s.operatorColumn(ctx, `
		select operator_id from memberships
		where uid=$1 and status=$2
		order by operator_id
	`, uid, entitlement.MembershipActive)
}

func (s *Store) ActiveEntitlementOperators(ctx context.Context, uid string) ([]string, error) {
	return s.operatorColumn(ctx, `
		select distinct operator_id from entitlements
		where uid=$1 and status=$2
		order by operator_id
	`, uid, entitlement.StatusActive)
}

func (s *Store) operatorColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Store) ListEntitlements(ctx context.Context, uid, operatorID string) ([]entitlement.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, uid, operator_id, vertical, type, resource_id, status, granted_at, expires_at,
			coalesce(session_id,''), coalesce(event_id,''), coalesce(payment_intent_id,''), coalesce(subscription_id,''),
			amount_total, currency, engine_version
		from entitlements
		where uid=$1 and ($2 = '' or operator_id=$2)
		order by id
	`, uid, operatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entitlement.Entitlement
	for rows.Next() {
		var e entitlement.Entitlement
		if err := rows.Scan(&e.ID, &e.UID, &e.OperatorID, &e.Vertical, &e.Type, &e.ResourceID, &e.Status,
			&e.GrantedAt, &e.ExpiresAt,
			&e.Payment.SessionID, &e.Payment.EventID, &e.Payment.PaymentIntentID, &e.Payment.SubscriptionID,
			&e.AmountTotal, &e.Currency, &e.Engine); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListMembers(ctx context.Context, operatorID string) ([]entitlement.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select uid, operator_id, vertical, status, joined_at
		from memberships
		where operator_id=$1
		order by uid
	`, operatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entitlement.Membership
	for rows.Next() {
		var m entitlement.Membership
		if err := rows.Scan(&m.UID, &m.OperatorID, &m.Vertical, &m.Status, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Operator(ctx context.Context, id string) (entitlement.Operator, error) {
	var op entitlement.Operator
	var features []byte
	err := s.db.QueryRowContext(ctx, `
		select id, name, vertical, features, display_name, coalesce(accent_color,''), coalesce(logo_url,'')
		from operators where id=$1
	`, id).Scan(&op.ID, &op.Name, &op.Vertical, &features,
		&op.Branding.DisplayName, &op.Branding.AccentColor, &op.Branding.LogoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Operator{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Operator{}, err
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &op.Features); err != nil {
			return entitlement.Operator{}, err
		}
	}
	return op, nil
}

func (s *Store) User(ctx context.Context, uid string) (entitlement.User, error) {
	var u entitlement.User
	err := s.db.QueryRowContext(ctx, `
		select uid, email, email_lower, coalesce(name,''), coalesce(customer_ref,''),
			spent_cents, last_purchase_at, created_at
		from users where uid=$1
	`, uid).Scan(&u.UID, &u.Email, &u.EmailLower, &u.Name, &u.CustomerRef,
		&u.SpentCents, &u.LastPurchaseAt, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.User{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.User{}, err
	}
	return u, nil
}

// --- transaction helpers ---

// insertEntitlement reports whether a row was created. A conflict on the
// source event id means a prior attempt already granted this purchase.
func insertEntitlement(ctx context.Context, tx *sql.Tx, e entitlement.Entitlement) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		insert into entitlements(
			id, uid, operator_id, vertical, type, resource_id, status,
			granted_at, expires_at, session_id, event_id, payment_intent_id, subscription_id,
			amount_total, currency, engine_version)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,nullif($10,''),nullif($11,''),nullif($12,''),nullif($13,''),$14,$15,$16)
		on conflict (event_id) do nothing
	`, e.ID, e.UID, e.OperatorID, e.Vertical, e.Type, e.ResourceID, e.Status,
		e.GrantedAt, e.ExpiresAt, e.Payment.SessionID, e.Payment.EventID, e.Payment.PaymentIntentID, e.Payment.SubscriptionID,
		e.AmountTotal, e.Currency, e.Engine)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// upsertUser accumulates purchase totals onto the account. The stored email
// stays authoritative once set; only the customer ref backfills.
func upsertUser(ctx context.Context, tx *sql.Tx, uid, email, customerRef string, amount int64, purchasedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		insert into users(uid, email, email_lower, customer_ref, spent_cents, last_purchase_at, created_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,now())
		on conflict (uid) do update set
			customer_ref = coalesce(excluded.customer_ref, users.customer_ref),
			spent_cents = users.spent_cents + excluded.spent_cents,
			last_purchase_at = greatest(coalesce(users.last_purchase_at, excluded.last_purchase_at), excluded.last_purchase_at)
	`, uid, email, entitlement.NormalizeEmail(email), customerRef, amount, purchasedAt)
	return err
}

func ensureMembership(ctx context.Context, tx *sql.Tx, uid, operatorID, vertical string, joined time.Time) error {
	_, err := tx.ExecContext(ctx, `
		insert into memberships(uid, operator_id, vertical, status, joined_at)
		values ($1,$2,$3,$4,$5)
		on conflict (uid, operator_id) do nothing
	`, uid, operatorID, vertical, entitlement.MembershipActive, joined)
	return err
}

func convertLead(ctx context.Context, tx *sql.Tx, emailHash, operatorID, uid string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		update waitlist_leads
		set converted_at=$1, uid=$2
		where email_hash=$3 and operator_id=$4 and converted_at is null
	`, at, uid, emailHash, operatorID)
	return err
}
