package entitlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Used by
// tests and local development; production runs on the Postgres store.
type InMemory struct {
	mu             sync.Mutex
	events         map[string]*LedgerEntry
	users          map[string]*User
	links          map[string]string // customer ref -> uid
	memberships    map[string]*Membership
	entitlements   map[string]*Entitlement
	entByEvent     map[string]string // source event id -> entitlement id
	pendings       map[string][]*PendingEntitlement
	pendingByEvent map[string]bool
	leads          map[string]*WaitlistLead
	assignments    map[string][]RoleAssignment
	operators      map[string]Operator

	// failHook simulates a crash mid-transaction. When it returns an error
	// for a stage, the whole write must apply nothing.
	failHook func(stage string) error
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		events:         make(map[string]*LedgerEntry),
		users:          make(map[string]*User),
		links:          make(map[string]string),
		memberships:    make(map[string]*Membership),
		entitlements:   make(map[string]*Entitlement),
		entByEvent:     make(map[string]string),
		pendings:       make(map[string][]*PendingEntitlement),
		pendingByEvent: make(map[string]bool),
		leads:          make(map[string]*WaitlistLead),
		assignments:    make(map[string][]RoleAssignment),
		operators:      make(map[string]Operator),
	}
}

var _ Store = (*InMemory)(nil)

func membershipKey(uid, operatorID string) string { return uid + "/" + operatorID }
func leadKey(emailHash, operatorID string) string { return emailHash + "/" + operatorID }

func (s *InMemory) fail(stage string) error {
	if s.failHook == nil {
		return nil
	}
	return s.failHook(stage)
}

// SetFailHook installs a per-stage failure hook. Test use only.
func (s *InMemory) SetFailHook(fn func(stage string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHook = fn
}

func (s *InMemory) BeginEvent(ctx context.Context, entry LedgerEntry) (EventStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[entry.EventID]; ok {
		if existing.Processed {
			return EventDuplicate, nil
		}
		return EventReplay, nil
	}
	e := entry
	s.events[entry.EventID] = &e
	return EventCreated, nil
}

func (s *InMemory) MarkEventProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	e.Processed = true
	return nil
}

// LedgerEntryByID returns a copy of the ledger entry. Test helper.
func (s *InMemory) LedgerEntryByID(eventID string) (LedgerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return LedgerEntry{}, false
	}
	return *e, true
}

func (s *InMemory) UIDByCustomerRef(ctx context.Context, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.links[ref]
	if !ok {
		return "", ErrNotFound
	}
	return uid, nil
}

// ApplyDirect stages every mutation first and applies them only after all
// failure-hook stages pass, so a simulated mid-sequence crash leaves no
// partial state. Idempotent on the entitlement's source event id.
func (s *InMemory) ApplyDirect(ctx context.Context, g DirectGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventID := g.Entitlement.Payment.EventID
	if eventID != "" {
		if _, done := s.entByEvent[eventID]; done {
			return nil
		}
	}

	if err := s.fail("payment_link"); err != nil {
		return err
	}

	user := s.stagedUser(g.UID, g.Email, g.CustomerRef)
	user.SpentCents += g.Entitlement.AmountTotal
	granted := g.Entitlement.GrantedAt
	user.LastPurchaseAt = &granted

	if err := s.fail("user_upsert"); err != nil {
		return err
	}

	member := s.stagedMembership(g.UID, g.Entitlement.OperatorID, g.Entitlement.Vertical, granted)

	if err := s.fail("entitlement"); err != nil {
		return err
	}

	ent := g.Entitlement
	ent.UID = g.UID

	if err := s.fail("waitlist"); err != nil {
		return err
	}

	lead := s.stagedLeadConversion(g.EmailHash, g.Entitlement.OperatorID, g.UID, granted)

	// Commit.
	if g.CustomerRef != "" {
		s.links[g.CustomerRef] = g.UID
	}
	s.users[g.UID] = user
	if member != nil {
		s.memberships[membershipKey(g.UID, ent.OperatorID)] = member
	}
	s.entitlements[ent.ID] = &ent
	if eventID != "" {
		s.entByEvent[eventID] = ent.ID
	}
	if lead != nil {
		s.leads[leadKey(g.EmailHash, ent.OperatorID)] = lead
	}
	return nil
}

func (s *InMemory) CreatePending(ctx context.Context, p PendingEntitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventID := p.Payment.EventID
	if eventID != "" && s.pendingByEvent[eventID] {
		return nil
	}
	if err := s.fail("pending"); err != nil {
		return err
	}
	rec := p
	s.pendings[p.EmailHash] = append(s.pendings[p.EmailHash], &rec)
	if eventID != "" {
		s.pendingByEvent[eventID] = true
	}
	return nil
}

func (s *InMemory) ClaimPending(ctx context.Context, uid, email string, now time.Time) (ClaimOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := HashEmail(email)
	var unclaimed []*PendingEntitlement
	for _, p := range s.pendings[hash] {
		if p.ClaimedAt == nil {
			unclaimed = append(unclaimed, p)
		}
	}
	if len(unclaimed) == 0 {
		return ClaimOutcome{}, nil
	}

	if err := s.fail("claim"); err != nil {
		return ClaimOutcome{}, err
	}

	user := s.stagedUser(uid, email, "")
	operatorSet := make(map[string]struct{})
	staged := make([]Entitlement, 0, len(unclaimed))
	members := make(map[string]*Membership)
	leads := make(map[string]*WaitlistLead)

	for _, p := range unclaimed {
		ent := p.Entitlement
		ent.UID = uid
		staged = append(staged, ent)
		user.SpentCents += ent.AmountTotal
		granted := ent.GrantedAt
		if user.LastPurchaseAt == nil || granted.After(*user.LastPurchaseAt) {
			user.LastPurchaseAt = &granted
		}
		operatorSet[ent.OperatorID] = struct{}{}
		if m := s.stagedMembership(uid, ent.OperatorID, ent.Vertical, granted); m != nil {
			members[membershipKey(uid, ent.OperatorID)] = m
		}
		if l := s.stagedLeadConversion(hash, ent.OperatorID, uid, now); l != nil {
			leads[leadKey(hash, ent.OperatorID)] = l
		}
	}

	if err := s.fail("claim_commit"); err != nil {
		return ClaimOutcome{}, err
	}

	// Commit.
	s.users[uid] = user
	for _, ent := range staged {
		e := ent
		s.entitlements[e.ID] = &e
	}
	for k, m := range members {
		s.memberships[k] = m
	}
	for k, l := range leads {
		s.leads[k] = l
	}
	claimedAt := now
	for _, p := range unclaimed {
		p.ClaimedAt = &claimedAt
		p.ClaimedByUID = uid
	}

	operators := make([]string, 0, len(operatorSet))
	for op := range operatorSet {
		operators = append(operators, op)
	}
	sort.Strings(operators)
	return ClaimOutcome{Claimed: len(unclaimed), Operators: operators}, nil
}

// stagedUser returns a copy of the user to mutate, creating one when absent.
func (s *InMemory) stagedUser(uid, email, customerRef string) *User {
	if existing, ok := s.users[uid]; ok {
		u := *existing
		if customerRef != "" {
			u.CustomerRef = customerRef
		}
		return &u
	}
	return &User{
		UID:         uid,
		Email:       email,
		EmailLower:  NormalizeEmail(email),
		CustomerRef: customerRef,
		CreatedAt:   time.Now().UTC(),
	}
}

// stagedMembership returns the membership to create, or nil when one exists.
func (s *InMemory) stagedMembership(uid, operatorID, vertical string, joined time.Time) *Membership {
	if _, ok := s.memberships[membershipKey(uid, operatorID)]; ok {
		return nil
	}
	return &Membership{
		UID:        uid,
		OperatorID: operatorID,
		Vertical:   vertical,
		Status:     MembershipActive,
		JoinedAt:   joined,
	}
}

// stagedLeadConversion returns the converted lead, or nil when there is no
// matching unconverted lead.
func (s *InMemory) stagedLeadConversion(emailHash, operatorID, uid string, at time.Time) *WaitlistLead {
	lead, ok := s.leads[leadKey(emailHash, operatorID)]
	if !ok || lead.ConvertedAt != nil {
		return nil
	}
	converted := *lead
	ts := at
	converted.ConvertedAt = &ts
	converted.UID = uid
	return &converted
}

func (s *InMemory) RoleAssignments(ctx context.Context, uid string) ([]RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.assignments[uid]
	out := make([]RoleAssignment, len(src))
	copy(out, src)
	return out, nil
}

func (s *InMemory) ActiveMembershipOperators(ctx context.Context, uid string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.memberships {
		if m.UID == uid && m.Status == MembershipActive {
			out = append(out, m.OperatorID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemory) ActiveEntitlementOperators(ctx context.Context, uid string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, e := range s.entitlements {
		if e.UID == uid && e.Status == StatusActive {
			seen[e.OperatorID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for op := range seen {
		out = append(out, op)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemory) ListEntitlements(ctx context.Context, uid, operatorID string) ([]Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entitlement
	for _, e := range s.entitlements {
		if e.UID != uid {
			continue
		}
		if operatorID != "" && e.OperatorID != operatorID {
			continue
		}
		out = append(out, *e)
	}
	// ULID ids sort in grant order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) ListMembers(ctx context.Context, operatorID string) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Membership
	for _, m := range s.memberships {
		if m.OperatorID == operatorID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *InMemory) Operator(ctx context.Context, id string) (Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[id]
	if !ok {
		return Operator{}, ErrNotFound
	}
	return op, nil
}

func (s *InMemory) User(ctx context.Context, uid string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

// UIDByEmail lets the in-memory store double as the identity directory in
// tests and local development.
func (s *InMemory) UIDByEmail(ctx context.Context, email string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lower := NormalizeEmail(email)
	for _, u := range s.users {
		if u.EmailLower == lower {
			return u.UID, nil
		}
	}
	return "", ErrNotFound
}

// PendingByEmail returns copies of the bucket for the email's hash. Test
// helper.
func (s *InMemory) PendingByEmail(email string) []PendingEntitlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingEntitlement
	for _, p := range s.pendings[HashEmail(email)] {
		out = append(out, *p)
	}
	return out
}

// Seed helpers for tests and local development ----------------------------

// SeedOperator registers operator reference data.
func (s *InMemory) SeedOperator(op Operator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operators[op.ID] = op
}

// SeedRoleAssignment registers an explicit role elevation.
func (s *InMemory) SeedRoleAssignment(a RoleAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[a.UID] = append(s.assignments[a.UID], a)
}

// SeedWaitlistLead registers an unconverted waitlist lead.
func (s *InMemory) SeedWaitlistLead(l WaitlistLead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead := l
	s.leads[leadKey(l.EmailHash, l.OperatorID)] = &lead
}

// SeedUser registers an existing account.
func (s *InMemory) SeedUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := u
	if user.EmailLower == "" {
		user.EmailLower = NormalizeEmail(user.Email)
	}
	s.users[u.UID] = &user
	if u.CustomerRef != "" {
		s.links[u.CustomerRef] = u.UID
	}
}

// SetEntitlementStatus transitions an entitlement's status. Stands in for
// the external expiry/revocation flow consumed by authorization.
func (s *InMemory) SetEntitlementStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entitlements[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	return nil
}

// WaitlistLeadFor returns a copy of the lead. Test helper.
func (s *InMemory) WaitlistLeadFor(emailHash, operatorID string) (WaitlistLead, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadKey(emailHash, operatorID)]
	if !ok {
		return WaitlistLead{}, false
	}
	return *l, true
}
