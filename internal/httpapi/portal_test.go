package httpapi

import (
	"net/http"
	"testing"
	"time"

	"grantway.org/internal/entitlement"
)

func seedDemoOperator(store *entitlement.InMemory) {
	store.SeedOperator(entitlement.Operator{
		ID:       "op-1",
		Name:     "Iron Path Coaching",
		Vertical: "fitness",
		Features: []string{"entitlements", "members"},
		Branding: entitlement.Branding{DisplayName: "Iron Path", AccentColor: "#1f6feb"},
	})
}

func TestClaimEndpointMigratesPendingOnce(t *testing.T) {
	c, store, verifier := newTestAPI(t)
	seedDemoOperator(store)

	// Purchase arrives before the buyer has an account.
	resp := c.postSigned(purchaseEvent("evt_10", "newbie@example.com"))
	resp.Body.Close()

	auth := bearerFor(t, verifier, "user-9", "newbie@example.com")

	resp = c.post("/v1/claims", nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claims status: %d", resp.StatusCode)
	}
	out := decode[entitlement.ClaimOutcome](t, resp)
	if out.Claimed != 1 {
		t.Fatalf("expected one claim, got %d", out.Claimed)
	}
	if len(out.Operators) != 1 || out.Operators[0] != "op-1" {
		t.Fatalf("unexpected operators: %v", out.Operators)
	}

	// Claiming again finds nothing.
	resp = c.post("/v1/claims", nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second claims status: %d", resp.StatusCode)
	}
	out = decode[entitlement.ClaimOutcome](t, resp)
	if out.Claimed != 0 {
		t.Fatalf("second claim should be empty, got %d", out.Claimed)
	}
}

func TestBootstrapClaimsAndResolves(t *testing.T) {
	c, store, verifier := newTestAPI(t)
	seedDemoOperator(store)

	resp := c.postSigned(purchaseEvent("evt_11", "late@example.com"))
	resp.Body.Close()

	resp = c.get("/v1/portal/bootstrap", nil, bearerFor(t, verifier, "user-11", "late@example.com"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bootstrap status: %d", resp.StatusCode)
	}
	boot := decode[bootstrapResponse](t, resp)

	if boot.Summary.Claimed != 1 {
		t.Fatalf("expected claimed=1, got %d", boot.Summary.Claimed)
	}
	if boot.Actor.UID != "user-11" {
		t.Fatalf("unexpected actor uid: %s", boot.Actor.UID)
	}
	if len(boot.Actor.OperatorIDs) != 1 || boot.Actor.OperatorIDs[0] != "op-1" {
		t.Fatalf("claim must widen the actor scope, got %v", boot.Actor.OperatorIDs)
	}
	if len(boot.ResolvedFeatures) != 2 {
		t.Fatalf("unexpected features: %v", boot.ResolvedFeatures)
	}
	if b, ok := boot.OperatorBranding["op-1"]; !ok || b.DisplayName != "Iron Path" {
		t.Fatalf("missing branding: %+v", boot.OperatorBranding)
	}
	if boot.Summary.Entitlements != 1 || boot.Summary.Operators != 1 {
		t.Fatalf("unexpected summary: %+v", boot.Summary)
	}
}

func TestOperatorEntitlementsGuardStack(t *testing.T) {
	c, store, verifier := newTestAPI(t)
	seedDemoOperator(store)
	store.SeedOperator(entitlement.Operator{
		ID:       "op-bare",
		Name:     "No Features LLC",
		Features: []string{},
	})
	store.SeedUser(entitlement.User{UID: "user-20", Email: "client@example.com"})

	resp := c.postSigned(purchaseEvent("evt_20", "client@example.com"))
	resp.Body.Close()

	auth := bearerFor(t, verifier, "user-20", "client@example.com")

	// In scope, feature enabled, client role suffices.
	resp = c.get("/v1/operators/op-1/entitlements", nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("entitlements status: %d", resp.StatusCode)
	}
	page := decode[struct {
		Items []entitlement.Entitlement `json:"items"`
	}](t, resp)
	if len(page.Items) != 1 {
		t.Fatalf("expected one entitlement, got %d", len(page.Items))
	}

	// Feature check fires first, even though the actor is out of scope too.
	resp = c.get("/v1/operators/op-bare/entitlements", nil, auth)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	denial := decode[map[string]any](t, resp)
	if denial["check"] != "feature" {
		t.Fatalf("expected feature denial, got %v", denial)
	}

	// Unknown operator is a 404, not a denial.
	resp = c.get("/v1/operators/op-missing/entitlements", nil, auth)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestOperatorMembersRequiresCoach(t *testing.T) {
	c, store, verifier := newTestAPI(t)
	seedDemoOperator(store)
	store.SeedUser(entitlement.User{UID: "user-30", Email: "client@example.com"})

	resp := c.postSigned(purchaseEvent("evt_30", "client@example.com"))
	resp.Body.Close()

	clientAuth := bearerFor(t, verifier, "user-30", "client@example.com")

	// Plain clients are below the coach threshold.
	resp = c.get("/v1/operators/op-1/members", nil, clientAuth)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for client, got %d", resp.StatusCode)
	}
	denial := decode[map[string]any](t, resp)
	if denial["check"] != "role" {
		t.Fatalf("expected role denial, got %v", denial)
	}

	store.SeedRoleAssignment(entitlement.RoleAssignment{
		UID:        "coach-1",
		OperatorID: "op-1",
		Role:       entitlement.RoleCoach,
		CreatedAt:  time.Now().UTC(),
	})
	coachAuth := bearerFor(t, verifier, "coach-1", "coach@example.com")

	resp = c.get("/v1/operators/op-1/members", nil, coachAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for coach, got %d", resp.StatusCode)
	}
	page := decode[struct {
		Items []entitlement.Membership `json:"items"`
	}](t, resp)
	if len(page.Items) != 1 || page.Items[0].UID != "user-30" {
		t.Fatalf("unexpected members: %+v", page.Items)
	}
}

func TestScopeDenialForForeignOperator(t *testing.T) {
	c, store, verifier := newTestAPI(t)
	seedDemoOperator(store)
	store.SeedOperator(entitlement.Operator{
		ID:       "op-2",
		Name:     "Other Studio",
		Features: []string{"entitlements"},
	})
	store.SeedUser(entitlement.User{UID: "user-40", Email: "client@example.com"})

	resp := c.postSigned(purchaseEvent("evt_40", "client@example.com"))
	resp.Body.Close()

	auth := bearerFor(t, verifier, "user-40", "client@example.com")

	resp = c.get("/v1/operators/op-2/entitlements", nil, auth)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	denial := decode[map[string]any](t, resp)
	if denial["check"] != "operator" {
		t.Fatalf("expected operator denial, got %v", denial)
	}
	// The hint may only name the operator the caller asked about.
	if hint, _ := denial["hint"].(string); hint == "" {
		t.Fatal("expected a hint")
	}
}

func TestSuperadminReachesEveryOperator(t *testing.T) {
	c, store, verifier := newTestAPI(t)
	seedDemoOperator(store)

	// Admin with no scoped assignment at all: the historical escape hatch.
	store.SeedRoleAssignment(entitlement.RoleAssignment{
		UID:       "root-1",
		Role:      entitlement.RoleAdmin,
		CreatedAt: time.Now().UTC(),
	})

	resp := c.get("/v1/operators/op-1/members", nil, bearerFor(t, verifier, "root-1", "root@example.com"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected superadmin access, got %d", resp.StatusCode)
	}
}
