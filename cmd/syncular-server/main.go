// syncular-server runs the sync service, the operator console, and
// (when Instances are configured) the Federation Gateway in one
// process, reading its configuration from config.json in the working
// directory.
//
// Usage:
//
//	./syncular-server              # reads ./config.json, starts serving
//	docker compose up -d           # runs via Docker with mounted config
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/console"
	"github.com/syncular/syncular/internal/events"
	"github.com/syncular/syncular/internal/gateway"
	"github.com/syncular/syncular/internal/httpapi"
	"github.com/syncular/syncular/internal/ingest"
	"github.com/syncular/syncular/internal/maintenance"
	"github.com/syncular/syncular/internal/pull"
	"github.com/syncular/syncular/internal/ratelimit"
	"github.com/syncular/syncular/internal/realtime"
	"github.com/syncular/syncular/internal/storage"
	"github.com/syncular/syncular/internal/storage/memstore"
	"github.com/syncular/syncular/internal/storage/pg"
	"github.com/syncular/syncular/internal/tablehandler"
)

const version = "dev"

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("syncular-server starting...")

	cfg, err := config.Load("config.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (listen=%s console=%s instance=%s partitions=%v)",
		cfg.ListenAddr, cfg.ConsoleListenAddr, cfg.InstanceID, cfg.Partitions)

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	store, closeStore := openStorage(ctx, cfg)
	defer closeStore()
	log.Println("Storage gateway ready")

	// The Realtime Registry's scope index is not warmed ahead of time
	// (it's built as subscriptions arrive); the configured partition set
	// is only logged once so the served partitions show up at startup.
	// config.Load has already replaced an empty list with "default".
	for _, p := range cfg.Partitions {
		log.Printf("Partition bootstrapped: %s", p)
	}

	authenticator := authn.NewAPIKeyAuthenticator(store)
	authenticate := buildAuthenticate(cfg, authenticator)

	limiter := ratelimit.New(nil)

	// No per-table handlers ship by default; the embedding application
	// registers its own tablehandler.Handler implementations. An empty
	// registry still lets push/pull run for tables with no handler
	// rejecting with tablehandler.ErrNoHandler, per the interface
	// contract.
	handlers := tablehandler.NewRegistry()

	recorder := events.New(store, cfg.Tuning.PayloadSnapshotByteCap, 2048)

	registry := realtime.New(realtime.Limits{
		MaxConnectionsTotal:     cfg.Limits.MaxConnectionsTotal,
		MaxConnectionsPerClient: cfg.Limits.MaxConnectionsPerClient,
		InlineChangesMaxBytes:   cfg.Limits.InlineChangesMaxBytes,
	}, store, nil, cfg.InstanceID)

	ingestor := ingest.New(store, handlers, registry, nil, cfg.Limits.MaxOperationsPerPush)

	planner := pull.New(store, handlers, registry, pull.Limits{
		DefaultLimitCommits:      cfg.Limits.DefaultLimitCommits,
		MaxLimitCommits:          cfg.Limits.MaxLimitCommits,
		DefaultLimitSnapshotRows: cfg.Limits.DefaultLimitSnapshotRows,
		MaxLimitSnapshotRows:     cfg.Limits.MaxLimitSnapshotRows,
		MaxSnapshotPages:         cfg.Limits.MaxSnapshotPages,
		MaxSubscriptions:         cfg.Limits.MaxSubscriptions,
	}, cfg.Tuning.SnapshotChunkTTL)

	scheduler := maintenance.New(store, maintenance.Config{
		AutoPruneInterval:      cfg.Tuning.AutoPruneInterval,
		PruneWatermarkWindow:   cfg.Tuning.PruneWatermarkWindow,
		PruneMaxAgeFallback:    cfg.Tuning.PruneMaxAgeFallback,
		KeepNewestCommits:      cfg.Tuning.KeepNewestCommits,
		FullHistoryHours:       cfg.Tuning.FullHistoryHours,
		RequestEventsMaxAge:    cfg.Tuning.RequestEventsMaxAge,
		RequestEventsMaxRows:   cfg.Tuning.RequestEventsMaxRows,
		OperationEventsMaxAge:  cfg.Tuning.OperationEventsMaxAge,
		OperationEventsMaxRows: cfg.Tuning.OperationEventsMaxRows,
	})
	go scheduler.Run(ctx, cfg.Partitions)
	log.Println("Maintenance scheduler running")

	syncSrv := httpapi.New(&httpapi.Server{
		ListenAddr:           cfg.ListenAddr,
		Storage:              store,
		Ingestor:             ingestor,
		Planner:              planner,
		Registry:             registry,
		Recorder:             recorder,
		RateLimit:            limiter,
		Authenticate:         authenticate,
		UnauthenticatedGrace: cfg.Tuning.UnauthenticatedGrace,
		HeartbeatInterval:    cfg.Tuning.HeartbeatInterval,
	})

	var consoleSrv *console.Server
	if cfg.ConsoleListenAddr != "" {
		live := console.NewLiveBroadcaster()
		recorder.OnRecorded = live.PublishEvent

		consoleSrv = console.New(&console.Server{
			ListenAddr:   cfg.ConsoleListenAddr,
			Storage:      store,
			Handlers:     handlers,
			Scheduler:    scheduler,
			Registry:     registry,
			Authenticate: authenticate,
			Version:      version,
			Live:         live,
		})
	}

	var gatewaySrv *gateway.Server
	if len(cfg.Instances) > 0 && cfg.GatewayListenAddr != "" {
		gw := gateway.New(cfg.Instances, 10*time.Second)
		gatewaySrv = gateway.NewServer(&gateway.Server{
			ListenAddr:   cfg.GatewayListenAddr,
			Gateway:      gw,
			Authenticate: authenticate,
			Version:      version,
		})
	}

	errCh := make(chan error, 3)
	go func() {
		if err := syncSrv.Start(ctx); err != nil {
			errCh <- err
		}
	}()
	if consoleSrv != nil {
		go func() {
			if err := consoleSrv.Start(ctx); err != nil {
				errCh <- err
			}
		}()
		log.Printf("console listening on %s", cfg.ConsoleListenAddr)
	}
	if gatewaySrv != nil {
		go func() {
			if err := gatewaySrv.Start(ctx); err != nil {
				errCh <- err
			}
		}()
		log.Printf("federation gateway listening over %d instance(s)", len(cfg.Instances))
	}

	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case <-ctx.Done():
	}

	log.Println("syncular-server stopped")
}

// openStorage connects to Postgres, or falls back to the in-memory
// gateway when no databaseUrl is configured, so the server can run
// locally without a database the way the reference CLI expects one.
func openStorage(ctx context.Context, cfg *config.Config) (storage.Gateway, func()) {
	if cfg.DatabaseURL == "" || cfg.DatabaseURL == "memory" {
		log.Println("No databaseUrl configured, using in-memory storage")
		return memstore.New(), func() {}
	}
	store, err := pg.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return store, store.Close
}

// buildAuthenticate wraps the API-key authenticator with an admin-key
// shortcut for the single operator credential configured outside the
// key table.
func buildAuthenticate(cfg *config.Config, keyAuth *authn.APIKeyAuthenticator) authn.Authenticate {
	return func(ctx context.Context, r *http.Request) (*authn.Principal, error) {
		if cfg.AdminKey != "" {
			if token := authn.ExtractBearer(r); token != "" && token == cfg.AdminKey {
				return &authn.Principal{ActorID: "admin", PartitionID: "default", IsAdmin: true, KeyType: "admin"}, nil
			}
		}
		return keyAuth.Authenticate(ctx, r)
	}
}
