package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/docuroom/docuroom/internal/auth"
	"github.com/docuroom/docuroom/internal/config"
	"github.com/docuroom/docuroom/internal/database"
	"github.com/docuroom/docuroom/internal/docs"
	"github.com/docuroom/docuroom/internal/docs/handler"
	"github.com/docuroom/docuroom/internal/locks"
	"github.com/docuroom/docuroom/internal/plugins"
	"github.com/docuroom/docuroom/internal/policy"
	"github.com/docuroom/docuroom/internal/rooms"
	"github.com/docuroom/docuroom/internal/storage"
	"github.com/docuroom/docuroom/pkg/logger"
	"github.com/docuroom/docuroom/pkg/metrics"
	"github.com/docuroom/docuroom/pkg/middleware"
)

var startTime = time.Now()

func main() {
	// initialize logging (can be controlled with LOG_LEVEL env: debug|info|warn|error|fatal)
	logger.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Infof("config loaded: mongo=%v redis=%v", cfg.MongoDB.URI != "", cfg.Redis.Host != "")

	ctx := context.Background()

	mongoClient, err := database.ConnectMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
	if err != nil {
		logger.Fatalf("failed to connect to MongoDB: %v", err)
	}
	defer mongoClient.Disconnect(ctx)
	db := mongoClient.Database(cfg.MongoDB.Database)

	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Host + ":" + cfg.Redis.Port, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatalf("failed to connect to Redis (%s:%s): %v", cfg.Redis.Host, cfg.Redis.Port, err)
		}
		logger.Infof("connected to Redis: %s:%s", cfg.Redis.Host, cfg.Redis.Port)
	}

	// lock manager: Redis when available, in-process otherwise
	var lockManager locks.Manager
	if redisClient != nil {
		lockManager = locks.NewRedisManager(redisClient, cfg.Lock.TTL)
	} else {
		logger.Warnf("Redis not configured; using in-process locks (single instance only)")
		lockManager = locks.NewMemoryManager()
	}

	// CDN object storage for upload placeholders
	var resourceStore storage.ResourceStore
	if minioCfg := storage.LoadMinIOConfig(); minioCfg.Endpoint != "" {
		resourceStore, err = storage.NewMinIOStorage(minioCfg)
		if err != nil {
			logger.Fatalf("failed to init MinIO storage: %v", err)
		}
	} else {
		logger.Warnf("MINIO_ENDPOINT not set; upload placeholders are kept in memory")
		resourceStore = storage.NewMemoryResourceStore()
	}

	revisionStore := docs.NewMongoRevisionStore(db)
	if err := revisionStore.EnsureIndexes(ctx); err != nil {
		logger.Fatalf("failed to ensure indexes: %v", err)
	}

	engine := docs.NewEngine(docs.EngineDeps{
		Revisions:   revisionStore,
		Projections: docs.NewMongoProjectionStore(db),
		Orders:      docs.NewMongoOrderSource(db),
		Rooms:       rooms.NewMongoStore(db),
		Locks:       lockManager,
		Txn:         database.NewMongoTxnRunner(mongoClient),
		Registry:    plugins.DefaultRegistry(),
		Policy:      policy.Default{},
		Resources:   resourceStore,
	})

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UseRedis && redisClient != nil {
			win := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
			r.Use(middleware.RedisRateLimitMiddleware(redisClient, cfg.RateLimit.RPS, cfg.RateLimit.Burst, win))
		} else {
			r.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})

	r.GET("/ready", func(c *gin.Context) {
		deps := map[string]bool{"mongo": true, "redis": true}
		ready := true
		if err := mongoClient.Ping(c.Request.Context(), nil); err != nil {
			deps["mongo"] = false
			ready = false
		}
		if redisClient != nil {
			if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
				deps["redis"] = false
				ready = false
			}
		}
		status := http.StatusOK
		state := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			state = "not_ready"
		}
		c.JSON(status, gin.H{"status": state, "deps": deps, "uptime": time.Since(startTime).String()})
	})

	// Prometheus metrics
	promReg := prometheus.NewRegistry()
	metrics.RegisterCollectors(promReg)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	// Document routes: authenticated when a JWT secret is configured,
	// anonymous (dev mode) otherwise.
	if cfg.JWT.Secret != "" {
		var revocations *auth.Revocations
		if redisClient != nil {
			revocations = auth.NewRevocations(redisClient)
		}
		authed := r.Group("/", middleware.AuthMiddlewareWithRevocation(middleware.NewJWTVerifier(cfg.JWT.Secret), revocations))
		handler.RegisterDocumentRoutes(authed, engine)
	} else {
		logger.Warnf("JWT_SECRET not set; document routes are unauthenticated")
		handler.RegisterDocumentRoutes(r, engine)
	}

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	logger.Infof("docuroom revision service listening on %s", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}
