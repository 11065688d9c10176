// Command consolidate is the offline repair pass over every document: it
// recomputes cdnResources across the whole history and regenerates each
// projection. Idempotent; intended to be run from a scheduler after plugin
// upgrades that change the set of resource-bearing fields.
package main

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/docuroom/docuroom/internal/config"
	"github.com/docuroom/docuroom/internal/database"
	"github.com/docuroom/docuroom/internal/docs"
	"github.com/docuroom/docuroom/internal/locks"
	"github.com/docuroom/docuroom/internal/plugins"
	"github.com/docuroom/docuroom/internal/policy"
	"github.com/docuroom/docuroom/internal/rooms"
	"github.com/docuroom/docuroom/internal/storage"
	"github.com/docuroom/docuroom/pkg/logger"
)

func main() {
	logger.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()
	mongoClient, err := database.ConnectMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
	if err != nil {
		logger.Fatalf("failed to connect to MongoDB: %v", err)
	}
	defer mongoClient.Disconnect(ctx)
	db := mongoClient.Database(cfg.MongoDB.Database)

	var lockManager locks.Manager = locks.NewMemoryManager()
	if cfg.Redis.Host != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Host + ":" + cfg.Redis.Port, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatalf("failed to connect to Redis: %v", err)
		}
		lockManager = locks.NewRedisManager(redisClient, cfg.Lock.TTL)
	} else {
		logger.Warnf("Redis not configured; consolidation will not coordinate with running services")
	}

	projections := docs.NewMongoProjectionStore(db)
	engine := docs.NewEngine(docs.EngineDeps{
		Revisions:   docs.NewMongoRevisionStore(db),
		Projections: projections,
		Orders:      docs.NewMongoOrderSource(db),
		Rooms:       rooms.NewMongoStore(db),
		Locks:       lockManager,
		Txn:         database.NewMongoTxnRunner(mongoClient),
		Registry:    plugins.DefaultRegistry(),
		Policy:      policy.Default{},
		Resources:   storage.NewMemoryResourceStore(),
	})

	ids, err := projections.AllIDs(ctx)
	if err != nil {
		logger.Fatalf("failed to list documents: %v", err)
	}
	logger.Infof("consolidating %d documents", len(ids))

	failed := 0
	for _, id := range ids {
		if err := engine.ConsolidateCDNResources(ctx, id); err != nil {
			logger.Errorf("consolidate %s: %v", id, err)
			failed++
			continue
		}
		if _, err := engine.RegenerateDocument(ctx, id); err != nil {
			logger.Errorf("regenerate %s: %v", id, err)
			failed++
		}
	}
	if failed > 0 {
		logger.Errorf("consolidation finished with %d failures", failed)
		os.Exit(1)
	}
	logger.Infof("consolidation finished cleanly")
}
