// Command server runs the agentflow runtime: the Event Bus, Blackboard,
// FSM, Dispatcher, Node Registry, Session Manager, Reliability Subsystem,
// and the Agent Controller's HTTP surface (spec section 6), all wired
// against Redis (fast store), Postgres (durable store), and MongoDB
// (session cold-snapshot store).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/goa-ai-labs/agentflow/internal/agentcontroller"
	"github.com/goa-ai-labs/agentflow/internal/blackboard"
	"github.com/goa-ai-labs/agentflow/internal/bus"
	"github.com/goa-ai-labs/agentflow/internal/config"
	"github.com/goa-ai-labs/agentflow/internal/dataserviceclient"
	"github.com/goa-ai-labs/agentflow/internal/dispatcher"
	"github.com/goa-ai-labs/agentflow/internal/engine"
	"github.com/goa-ai-labs/agentflow/internal/fsm"
	"github.com/goa-ai-labs/agentflow/internal/httpapi"
	"github.com/goa-ai-labs/agentflow/internal/llmclient"
	"github.com/goa-ai-labs/agentflow/internal/nodes"
	"github.com/goa-ai-labs/agentflow/internal/objectstore"
	"github.com/goa-ai-labs/agentflow/internal/registry"
	"github.com/goa-ai-labs/agentflow/internal/reliability"
	"github.com/goa-ai-labs/agentflow/internal/session"
	storemongo "github.com/goa-ai-labs/agentflow/internal/store/mongo"
	storepostgres "github.com/goa-ai-labs/agentflow/internal/store/postgres"
	"github.com/goa-ai-labs/agentflow/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()
	logger := telemetry.NewClueLogger()

	if err := storepostgres.Migrate(cfg.PostgresDSN); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}

	pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgPool.Close()

	mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(); err != nil {
			log.Printf("disconnect mongo: %v", err)
		}
	}()
	snapshots, err := storemongo.NewSnapshotStore(ctx, mongoClient, cfg.MongoDatabase)
	if err != nil {
		return fmt.Errorf("init snapshot store: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	bb := blackboard.NewRedisBlackboard(redisClient, cfg.KeyPrefix, cfg.DefaultSessionTTL)
	fsmImpl := fsm.NewRedisFSM(redisClient, cfg.KeyPrefix, cfg.DefaultSessionTTL)
	eventBus := bus.NewPulseBus(redisClient, cfg.KeyPrefix)
	abortFlags := reliability.NewRedisAbortFlagStore(redisClient, cfg.KeyPrefix, cfg.DefaultSessionTTL)

	sessions := storepostgres.NewSessionRepository(pgPool)
	eventStore := storepostgres.NewEventRepository(pgPool)
	idempotencyStore := storepostgres.NewIdempotencyStore(pgPool)

	cache, err := registry.NewRmapCache(ctx, redisClient, cfg.KeyPrefix)
	if err != nil {
		return fmt.Errorf("init registry cache: %w", err)
	}
	nodeReg := registry.New(cache, registry.NewPostgresStore(pgPool))

	llm := llmclient.New(cfg.LLMEndpoint, "default")
	data := dataserviceclient.New(cfg.DataServiceEndpoint)

	if err := registerBuiltins(ctx, nodeReg, llm, data, bb); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}

	flows := session.NewStaticFlowLoader()
	guard := reliability.NewGuard(idempotencyStore)
	fanIn := reliability.NewFanInChecker(eventStore)
	hardStop := reliability.NewHardStopper(abortFlags, bb, eventBus)

	mgr := session.New(sessions, flows, fsmImpl, eventStore, bb, eventBus, cfg.DefaultSessionTTL).
		WithSnapshotStore(snapshots)

	disp := dispatcher.New(
		sessions, mgr, fsmImpl, nodeReg, bb, eventStore, eventBus,
		guard, fanIn, hardStop, engine.NewInMemoryExecutor(),
		dispatcher.StaticRetryPolicy{Policy: reliability.DefaultRetryPolicy},
		logger,
	)

	tools := []agentcontroller.ToolNode{
		{Tool: llmclient.ToolDefinition{Name: "search", Description: "Semantic search over the data service"}, NodeRef: "builtin://search"},
		{Tool: llmclient.ToolDefinition{Name: "data_query", Description: "Query already-parsed documents"}, NodeRef: "builtin://data_query"},
	}
	ctrl := agentcontroller.New(llm, data, mgr, disp, eventBus, tools, cfg.MaxToolIterations)

	signer := objectstore.New(cfg.ObjectStoreEndpoint, cfg.ObjectStoreBucket, cfg.OSSAccessKeyID, cfg.OSSAccessKeySecret)

	srv := httpapi.New(mgr, disp, flows, nodeReg, signer, ctrl, eventStore, cfg.TenantRateLimitRPS, cfg.TenantRateLimitBurst)

	go runTempoClock(ctx, mgr, cfg.TempoClockInterval)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Router()}
	log.Printf("agentflow listening on %s", cfg.HTTPAddr)
	return httpServer.ListenAndServe()
}

// registerBuiltins wires internal/nodes' implementations into nodeReg under
// their "builtin://" node refs (spec section 1: search, writer, data_query,
// file_parser).
func registerBuiltins(ctx context.Context, nodeReg *registry.Registry, llm *llmclient.Client, data *dataserviceclient.Client, bb blackboard.Blackboard) error {
	if err := nodeReg.RegisterBuiltin(ctx, "search", nodes.NewSearch(llm)); err != nil {
		return err
	}
	if err := nodeReg.RegisterBuiltin(ctx, "writer", nodes.NewWriter(llm, bb)); err != nil {
		return err
	}
	if err := nodeReg.RegisterBuiltin(ctx, "data_query", nodes.NewDataQuery(data)); err != nil {
		return err
	}
	if err := nodeReg.RegisterBuiltin(ctx, "file_parser", nodes.NewFileParser(data)); err != nil {
		return err
	}
	return nil
}

// runTempoClock drives the Session Manager's TTL sweep on a fixed interval
// until ctx is cancelled (spec section 4.5, "tempo clock").
func runTempoClock(ctx context.Context, mgr *session.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			paused, err := mgr.Sweep(ctx, time.Now())
			if err != nil {
				log.Printf("tempo clock sweep: %v", err)
				continue
			}
			if paused > 0 {
				log.Printf("tempo clock: paused %d expired session(s)", paused)
			}
		}
	}
}
