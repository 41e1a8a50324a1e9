// Command messaging-core wires the ingest pipeline into a runnable
// process: load configuration, connect the store and cache, migrate the
// schema, and construct the Orchestrator and Webhook Reconciler that a
// transport-layer skin (HTTP controllers, webhook handlers, owned by the
// surrounding platform) would sit in front of.
package main

import (
	"context"
	"os"

	"github.com/coreim/messaging-core/internal/broker"
	internalconfig "github.com/coreim/messaging-core/internal/config"
	"github.com/coreim/messaging-core/internal/dedupe"
	"github.com/coreim/messaging-core/internal/fanout"
	"github.com/coreim/messaging-core/internal/history"
	"github.com/coreim/messaging-core/internal/ingest"
	"github.com/coreim/messaging-core/internal/membership"
	"github.com/coreim/messaging-core/internal/permission"
	"github.com/coreim/messaging-core/internal/sequence"
	"github.com/coreim/messaging-core/internal/store"
	"github.com/coreim/messaging-core/internal/webhook"
	"github.com/coreim/messaging-core/pkg/cache"
	memorycache "github.com/coreim/messaging-core/pkg/cache/adapters/memory"
	rediscache "github.com/coreim/messaging-core/pkg/cache/adapters/redis"
	"github.com/coreim/messaging-core/pkg/database"
	"github.com/coreim/messaging-core/pkg/database/sql/adapters/postgres"
	"github.com/coreim/messaging-core/pkg/events/adapters/memory"
	"github.com/coreim/messaging-core/pkg/logger"
	"github.com/coreim/messaging-core/pkg/telemetry"
)

func main() {
	ctx := context.Background()

	cfg, err := internalconfig.Load()
	if err != nil {
		panic(err)
	}
	logger.Init(cfg.Logger)
	log := logger.L()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.ErrorContext(ctx, "failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(ctx)

	sqlAdapter, err := postgres.New(cfg.Store)
	if err != nil {
		log.ErrorContext(ctx, "failed to connect to message store", "error", err)
		os.Exit(1)
	}
	storeManager := database.NewInstrumentedManager(store.NewManager(sqlAdapter))
	defer storeManager.Close()

	db := storeManager.Get(ctx)
	if err := store.AutoMigrate(ctx, db); err != nil {
		log.ErrorContext(ctx, "failed to migrate schema", "error", err)
		os.Exit(1)
	}

	seqCache, err := newCache(cfg.Cache)
	if err != nil {
		log.ErrorContext(ctx, "failed to connect to cache", "error", err)
		os.Exit(1)
	}
	dedupeConfirmed, err := newCache(cfg.Cache)
	if err != nil {
		log.ErrorContext(ctx, "failed to connect to cache", "error", err)
		os.Exit(1)
	}
	dedupeTx, err := newCache(cfg.Cache)
	if err != nil {
		log.ErrorContext(ctx, "failed to connect to cache", "error", err)
		os.Exit(1)
	}

	messages := store.NewMessageStore(db)
	conversations := store.NewConversationStore(db)
	groupMembers := membership.NewMemoryStore()     // replaced by the owning group service's adapter in production
	friendships := membership.NewMemoryFriendshipStore() // replaced by the owning friendship service's adapter

	seqSvc := sequence.New(seqCache)
	dedupeEngine := dedupe.NewWithConfig(dedupeConfirmed, dedupeTx, dedupe.Config{
		ExpectedElements:  cfg.Dedupe.ExpectedElements,
		FalsePositiveRate: cfg.Dedupe.FalsePositiveRate,
		Retention:         cfg.Dedupe.Retention,
		TxTTL:             cfg.Dedupe.TxTTL,
	})
	permFilter := permission.New(permission.Config{RequireMutualFriendship: cfg.Permission.RequireMutualFriendship}, groupMembers, friendships)
	fanoutSvc := fanout.New(conversations, groupMembers, hostnameOrDefault())
	brokerAdapter := broker.New(broker.Config{BaseURL: cfg.Broker.BaseURL, Config: cfg.Broker.Config})
	reconciler := webhook.New(cfg.Webhook, messages, conversations)
	bus := memory.New()

	orchestrator := ingest.New(
		cfg.Orchestrator.ToIngestConfig(),
		seqSvc, dedupeEngine, permFilter, messages, fanoutSvc, brokerAdapter, reconciler, bus,
	)
	historySvc := history.New(messages, groupMembers)

	repair := fanout.NewRepairScan(conversations, messages, bus, 4)
	if _, err := repair.Run(ctx); err != nil {
		log.ErrorContext(ctx, "startup repair scan failed", "error", err)
	}

	// orchestrator and historySvc are the entry points a transport-layer
	// skin (HTTP controllers, webhook handlers) drives; that skin lives with
	// the surrounding platform, not here.
	_ = orchestrator
	_ = historySvc

	log.InfoContext(ctx, "messaging core ready")
}

// newCache builds the shared KV backing for the sequence counters and the
// dedupe confirmation set, which must live outside the process so horizontal
// scaling cannot desynchronize them. A redis-backed cache is wrapped with the instrumented
// and resilient decorators so a flaky Redis never turns into a SequenceUnavailable
// storm; the in-memory fallback has neither failure mode and is
// used as-is.
func newCache(cfg cache.Config) (cache.Cache, error) {
	if cfg.Driver != "redis" {
		return memorycache.New(), nil
	}
	c, err := rediscache.New(cfg)
	if err != nil {
		return nil, err
	}
	return cache.NewInstrumentedCache(cache.NewResilientCache(c, cache.ResilientConfig{
		CircuitBreakerEnabled: true,
		RetryEnabled:          true,
	})), nil
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "node1"
	}
	return h
}
