// Package actor turns a verified identity into the role- and
// operator-scoped subject every guard decision runs against. Resolution is
// read-only and recomputed per request; nothing here is persisted.
package actor

import (
	"context"
	"sort"

	"grantway.org/internal/entitlement"
	"grantway.org/internal/obs"
)

// Actor is the resolved identity, role and operator scope for one request.
type Actor struct {
	UID         string           `json:"uid"`
	Email       string           `json:"email"`
	Role        entitlement.Role `json:"role"`
	OperatorIDs []string         `json:"operator_ids"`
	// Superadmin grants universal operator access. Set from an explicit
	// all-operators assignment, or for an admin whose resolved scope is
	// empty (the historical escape hatch).
	Superadmin bool `json:"superadmin,omitempty"`
}

// Resolver computes actors from the entitlement store.
type Resolver struct {
	store entitlement.Store
}

// NewResolver constructs an actor resolver.
func NewResolver(store entitlement.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve builds the actor for a verified identity. Role defaults to client
// and elevates through coach to admin; admin wins when both are assigned.
// Operator scope is the union of explicit assignments, active memberships
// and active entitlements. A failing sub-query is logged and contributes an
// empty set instead of blocking resolution.
func (r *Resolver) Resolve(ctx context.Context, uid, email string) Actor {
	a := Actor{UID: uid, Email: email, Role: entitlement.RoleClient}
	scope := make(map[string]struct{})
	allOperators := false

	assignments, err := r.store.RoleAssignments(ctx, uid)
	if err != nil {
		obs.LogError("role assignment scan failed", err, map[string]any{"uid": uid})
	}
	for _, assignment := range assignments {
		if assignment.Role.Level() > a.Role.Level() {
			a.Role = assignment.Role
		}
		if assignment.AllOperators {
			allOperators = true
		}
		if assignment.OperatorID != "" {
			scope[assignment.OperatorID] = struct{}{}
		}
	}

	members, err := r.store.ActiveMembershipOperators(ctx, uid)
	if err != nil {
		obs.LogError("membership scope query failed", err, map[string]any{"uid": uid})
	}
	for _, op := range members {
		scope[op] = struct{}{}
	}

	granted, err := r.store.ActiveEntitlementOperators(ctx, uid)
	if err != nil {
		obs.LogError("entitlement scope query failed", err, map[string]any{"uid": uid})
	}
	for _, op := range granted {
		scope[op] = struct{}{}
	}

	a.OperatorIDs = make([]string, 0, len(scope))
	for op := range scope {
		a.OperatorIDs = append(a.OperatorIDs, op)
	}
	sort.Strings(a.OperatorIDs)

	if a.Role == entitlement.RoleAdmin && (allOperators || len(a.OperatorIDs) == 0) {
		a.Superadmin = true
	}
	return a
}

type actorContextKey struct{}

// ContextWithActor attaches the resolved actor to the context.
func ContextWithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, &a)
}

// FromContext extracts the resolved actor from the context.
func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(*Actor)
	if !ok || v == nil {
		return Actor{}, false
	}
	return *v, true
}
