package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"grantway.org/internal/actor"
	"grantway.org/internal/entitlement"
	"grantway.org/internal/identity"
)

const (
	testWebhookSecret = "whsec_test"
	testTokenSecret   = "token-secret"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) (*apiClient, *entitlement.InMemory, *identity.Verifier) {
	t.Helper()

	store := entitlement.NewInMemory()
	engine, err := entitlement.NewEngine(store, store, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	claims, err := entitlement.NewReconciler(store)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	verifier, err := identity.NewVerifier(testTokenSecret, "grantway")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	api := New(Options{
		Version:       "test",
		Store:         store,
		Engine:        engine,
		Claims:        claims,
		Actors:        actor.NewResolver(store),
		Verifier:      verifier,
		WebhookSecret: testWebhookSecret,
		RateBurst:     1000,
		RatePerSec:    1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}, store, verifier
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	return c.postRaw(path, payload, headers)
}

func (c *apiClient) postRaw(path string, payload []byte, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func bearerFor(t *testing.T, verifier *identity.Verifier, uid, email string) map[string]string {
	t.Helper()
	token, err := verifier.Issue(uid, email, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndInfo(t *testing.T) {
	c, _, _ := newTestAPI(t)

	resp := c.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status: %d", resp.StatusCode)
	}
	health := decode[map[string]any](t, resp)
	if health["service"] != "grantway-api" {
		t.Fatalf("unexpected service name: %v", health["service"])
	}

	resp = c.get("/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.get("/v1/info", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info status: %d", resp.StatusCode)
	}
	info := decode[map[string]any](t, resp)
	if info["version"] != "test" {
		t.Fatalf("unexpected version: %v", info["version"])
	}
}

func TestRequestIDHeaderAssigned(t *testing.T) {
	c, _, _ := newTestAPI(t)

	resp := c.get("/healthz", nil, nil)
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header")
	}

	resp = c.get("/healthz", nil, map[string]string{"X-Request-Id": "req-keep"})
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-keep" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	c, _, verifier := newTestAPI(t)

	resp := c.post("/v1/claims", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = c.get("/v1/portal/bootstrap", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}

	resp = c.get("/v1/portal/bootstrap", nil, bearerFor(t, verifier, "user-1", "user@example.com"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for valid token, got %d", resp.StatusCode)
	}
}

func TestMissingVerifierAnswers503(t *testing.T) {
	store := entitlement.NewInMemory()
	engine, err := entitlement.NewEngine(store, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	claims, err := entitlement.NewReconciler(store)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	api := New(Options{
		Version: "test",
		Store:   store,
		Engine:  engine,
		Claims:  claims,
		Actors:  actor.NewResolver(store),
		// Verifier deliberately nil: identity provider unconfigured.
		RateBurst:  1000,
		RatePerSec: 1000,
	})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/portal/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestRateLimitKicksIn(t *testing.T) {
	store := entitlement.NewInMemory()
	engine, err := entitlement.NewEngine(store, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	claims, err := entitlement.NewReconciler(store)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	api := New(Options{
		Version:    "test",
		Store:      store,
		Engine:     engine,
		Claims:     claims,
		Actors:     actor.NewResolver(store),
		RateBurst:  2,
		RatePerSec: 1,
	})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected a 429 after exhausting the burst")
	}
}
