package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grantway.org/internal/actor"
	"grantway.org/internal/config"
	"grantway.org/internal/entitlement"
	"grantway.org/internal/httpapi"
	"grantway.org/internal/identity"
	"grantway.org/internal/notify"
	"grantway.org/internal/obs"
	"grantway.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Store: Postgres when a DSN is configured, in-memory otherwise (local
	// development only).
	var (
		store   entitlement.Store
		ready   httpapi.ReadyProbe
		pgStore *pg.Store
	)
	if cfg.PostgresDSN != "" {
		pgStore, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		ready = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Print("GRANTWAY_PG_DSN not set, using in-memory store")
		store = entitlement.NewInMemory()
	}

	// Identity provider: token verification plus the email directory. When
	// the token secret is missing the verifier stays nil and authenticated
	// endpoints answer 503.
	var verifier *identity.Verifier
	if cfg.TokenSecret != "" {
		verifier, err = identity.NewVerifier(cfg.TokenSecret, cfg.TokenIssuer)
		if err != nil {
			log.Fatalf("identity verifier: %v", err)
		}
	} else {
		log.Print("GRANTWAY_TOKEN_SECRET not set, authenticated endpoints disabled")
	}

	var notifier entitlement.Notifier
	if cfg.NotifyEndpoint != "" {
		notifier = notify.NewHTTP(cfg.NotifyEndpoint, cfg.NotifyAPIKey)
	} else {
		notifier = notify.LogDispatcher{}
	}

	// The in-memory store doubles as the email directory in local dev; in
	// production lookups go to the identity provider over HTTP.
	var dir entitlement.Directory
	if mem, ok := store.(*entitlement.InMemory); ok {
		dir = mem
	} else if cfg.DirectoryEndpoint != "" {
		dir = identity.NewHTTPDirectory(cfg.DirectoryEndpoint)
	}

	engine, err := entitlement.NewEngine(store, dir, notifier)
	if err != nil {
		log.Fatalf("fulfillment engine: %v", err)
	}
	claims, err := entitlement.NewReconciler(store)
	if err != nil {
		log.Fatalf("claim reconciler: %v", err)
	}

	api := httpapi.New(httpapi.Options{
		Ready:            ready,
		Version:          version,
		Store:            store,
		Engine:           engine,
		Claims:           claims,
		Actors:           actor.NewResolver(store),
		Verifier:         verifier,
		WebhookSecret:    cfg.WebhookSecret,
		WebhookTolerance: time.Duration(cfg.WebhookToleranceSeconds) * time.Second,
		RateBurst:        cfg.RateBurst,
		RatePerSec:       cfg.RatePerSec,
		MaxBodyBytes:     cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting grantway-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
