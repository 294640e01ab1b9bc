// Package httpapi is the HTTP surface of grantway-api: the signed payment
// webhook, the authenticated portal endpoints and the operational probes.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"grantway.org/internal/actor"
	"grantway.org/internal/entitlement"
	"grantway.org/internal/identity"
	"grantway.org/internal/obs"
)

// ReadyProbe checks readiness (e.g. ping of the database).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options wires the API's collaborators. Verifier may be nil when the
// identity provider is unconfigured; authenticated endpoints then answer 503.
type Options struct {
	Ready   ReadyProbe
	Version string

	Store  entitlement.Store
	Engine *entitlement.Engine
	Claims *entitlement.Reconciler
	Actors *actor.Resolver

	Verifier *identity.Verifier

	WebhookSecret    string
	WebhookTolerance time.Duration

	RateBurst    int
	RatePerSec   int
	MaxBodyBytes int64
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	store  entitlement.Store
	engine *entitlement.Engine
	claims *entitlement.Reconciler
	actors *actor.Resolver

	verifier *identity.Verifier

	webhookSecret    string
	webhookTolerance time.Duration

	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
}

func New(opts Options) *API {
	a := &API{
		mux:              http.NewServeMux(),
		readyProbe:       opts.Ready,
		version:          opts.Version,
		store:            opts.Store,
		engine:           opts.Engine,
		claims:           opts.Claims,
		actors:           opts.Actors,
		verifier:         opts.Verifier,
		webhookSecret:    opts.WebhookSecret,
		webhookTolerance: opts.WebhookTolerance,
		rateBurst:        opts.RateBurst,
		ratePerSec:       opts.RatePerSec,
		maxBodyBytes:     opts.MaxBodyBytes,
	}
	if a.webhookTolerance <= 0 {
		a.webhookTolerance = 5 * time.Minute
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// fulfillment ingress
	a.mux.HandleFunc("/v1/webhooks/payment", a.handleWebhook)

	// portal
	a.mux.HandleFunc("/v1/claims", a.handleClaims)
	a.mux.HandleFunc("/v1/portal/bootstrap", a.handleBootstrap)
	a.mux.HandleFunc("/v1/operators/", a.handleOperatorScoped)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- probes ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "grantway-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "grantway-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, entitlement.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, entitlement.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
