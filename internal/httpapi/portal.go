package httpapi

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"grantway.org/internal/actor"
	"grantway.org/internal/audit"
	"grantway.org/internal/entitlement"
	"grantway.org/internal/guard"
	"grantway.org/internal/obs"
)

type bootstrapResponse struct {
	Actor            actor.Actor                     `json:"actor"`
	ResolvedFeatures []string                        `json:"resolved_features"`
	OperatorBranding map[string]entitlement.Branding `json:"operator_branding"`
	Summary          bootstrapSummary                `json:"summary"`
}

type bootstrapSummary struct {
	Operators    int `json:"operators"`
	Entitlements int `json:"entitlements"`
	Claimed      int `json:"claimed"`
}

func (a *API) handleClaims(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	act, ok := actor.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	out, err := a.claims.Claim(r.Context(), act.UID, act.Email)
	if err != nil {
		if errors.Is(err, entitlement.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "claim failed")
		return
	}
	if out.Claimed > 0 {
		_ = audit.LogEvent(r.Context(), "claim.reconcile", map[string]any{
			"claimed":   out.Claimed,
			"operators": out.Operators,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleBootstrap is the portal's first call after sign-in: reconcile any
// pending entitlements, then hand back the freshly resolved actor, feature
// union, branding and summary counts in one round trip.
func (a *API) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	act, ok := actor.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	// Claim failures must not block sign-in; the next bootstrap retries.
	out, err := a.claims.Claim(r.Context(), act.UID, act.Email)
	if err != nil {
		obs.LogError("bootstrap claim failed", err, map[string]any{"uid": act.UID})
	}
	if out.Claimed > 0 {
		_ = audit.LogEvent(r.Context(), "claim.reconcile", map[string]any{
			"claimed":   out.Claimed,
			"operators": out.Operators,
		})
		// The claim may have widened the operator scope.
		act = a.actors.Resolve(r.Context(), act.UID, act.Email)
	}

	features := make(map[string]struct{})
	branding := make(map[string]entitlement.Branding, len(act.OperatorIDs))
	for _, opID := range act.OperatorIDs {
		op, err := a.store.Operator(r.Context(), opID)
		if err != nil {
			if !errors.Is(err, entitlement.ErrNotFound) {
				obs.LogError("operator lookup failed", err, map[string]any{"operator_id": opID})
			}
			continue
		}
		for _, f := range op.Features {
			features[f] = struct{}{}
		}
		branding[opID] = op.Branding
	}
	resolved := make([]string, 0, len(features))
	for f := range features {
		resolved = append(resolved, f)
	}
	sort.Strings(resolved)

	ents, err := a.store.ListEntitlements(r.Context(), act.UID, "")
	if err != nil {
		obs.LogError("entitlement count failed", err, map[string]any{"uid": act.UID})
	}

	writeJSON(w, http.StatusOK, bootstrapResponse{
		Actor:            act,
		ResolvedFeatures: resolved,
		OperatorBranding: branding,
		Summary: bootstrapSummary{
			Operators:    len(act.OperatorIDs),
			Entitlements: len(ents),
			Claimed:      out.Claimed,
		},
	})
}

// handleOperatorScoped routes /v1/operators/{id}/... through the guard stack.
func (a *API) handleOperatorScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	act, ok := actor.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/operators/")
	operatorID, rest, _ := strings.Cut(path, "/")
	if operatorID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch rest {
	case "entitlements":
		a.listOperatorEntitlements(w, r, act, operatorID)
	case "members":
		a.listOperatorMembers(w, r, act, operatorID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listOperatorEntitlements(w http.ResponseWriter, r *http.Request, act actor.Actor, operatorID string) {
	op, err := a.store.Operator(r.Context(), operatorID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if d := a.runGuards(r, act, operatorID, "entitlements", op.Features, entitlement.RoleClient); d != nil {
		writeDenial(w, r, d)
		return
	}

	items, err := a.store.ListEntitlements(r.Context(), act.UID, operatorID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if items == nil {
		items = []entitlement.Entitlement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) listOperatorMembers(w http.ResponseWriter, r *http.Request, act actor.Actor, operatorID string) {
	op, err := a.store.Operator(r.Context(), operatorID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if d := a.runGuards(r, act, operatorID, "members", op.Features, entitlement.RoleCoach); d != nil {
		writeDenial(w, r, d)
		return
	}

	items, err := a.store.ListMembers(r.Context(), operatorID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if items == nil {
		items = []entitlement.Membership{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// runGuards applies the fixed guard order: feature, operator scope, role.
func (a *API) runGuards(r *http.Request, act actor.Actor, operatorID, feature string, resolved []string, min entitlement.Role) *guard.Denial {
	if d := guard.RequireFeature(feature, resolved); d != nil {
		return d
	}
	if d := guard.RequireOperatorAccess(act, operatorID); d != nil {
		return d
	}
	return guard.RequireRole(act, min)
}

func writeDenial(w http.ResponseWriter, r *http.Request, d *guard.Denial) {
	_ = audit.LogEvent(r.Context(), "guard.denied", map[string]any{
		"check":    d.Check,
		"required": d.Required,
	})
	payload := map[string]any{
		"error":    "forbidden",
		"check":    d.Check,
		"required": d.Required,
		"hint":     d.Hint,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusForbidden, payload)
}
