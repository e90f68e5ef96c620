package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sideline-chat/config"
	internalevents "sideline-chat/internal/events"
	"sideline-chat/internal/handler"
	"sideline-chat/internal/identity"
	"sideline-chat/internal/metrics"
	"sideline-chat/internal/outbox"
	"sideline-chat/internal/policy"
	"sideline-chat/internal/realtime"
	redisx "sideline-chat/internal/redis"
	"sideline-chat/internal/repository"
	"sideline-chat/internal/repository/memory"
	"sideline-chat/internal/server"
	"sideline-chat/internal/services"
	"sideline-chat/internal/storage"
	"sideline-chat/internal/websocket"
	"sideline-chat/pkg/database"
	"sideline-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.LoadConfig()

	l := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Errorf("server exited: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, l *logger.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectorSet := metrics.New(registry)

	var (
		tx repository.TxManager
		db *sql.DB
	)
	switch cfg.StorageDriver {
	case config.StorageMemory:
		l.Warnf("using in-memory storage; data is lost on restart")
		tx = memory.NewStore()
	default:
		var err error
		db, err = database.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := repository.InitSchema(ctx, db); err != nil {
			return err
		}
		tx = repository.NewTxManager(db)
	}

	var redisClient *goredis.Client
	if cfg.EventsBackend == config.EventsRedis {
		redisClient = redisx.NewClient(redisx.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		if err := redisx.Ping(ctx, redisClient); err != nil {
			return err
		}
	}

	bus := realtime.NewBus(tx.Repos().Conversations, realtime.Options{
		Buffer:  cfg.SubscriberBuffer,
		Logger:  l,
		Metrics: collectorSet,
	})
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	go bus.Run(busCtx)

	var (
		publisher     internalevents.Publisher = bus
		lease         *redisx.Lease
		relationships policy.RelationshipPolicy = policy.AllowAll()
		profiles      policy.ProfileDirectory   = policy.StaticProfiles{}
	)
	if redisClient != nil {
		publisher = redisx.NewPublisher(redisClient)
		hostname, _ := os.Hostname()
		lease = redisx.NewLease(redisClient, "lease:outbox", hostname+"-"+uuid.NewString()[:8], 10*time.Second)
		relationships = redisx.NewBlockListPolicy(redisClient)
		profiles = redisx.NewProfileCache(redisClient, profiles, 10*time.Minute)

		bridge := realtime.NewRedisBridge(redisx.NewSubscriber(redisClient), bus, l)
		go func() {
			if err := bridge.Run(busCtx); err != nil {
				l.Errorf("redis bridge stopped: %v", err)
			}
		}()
	}

	opts := outbox.Options{
		BatchSize:  cfg.OutboxBatchSize,
		Interval:   cfg.OutboxInterval,
		MaxRetries: cfg.OutboxMaxRetries,
		Logger:     l,
		Metrics:    collectorSet,
	}
	if lease != nil {
		opts.Lease = lease
	}
	processor := outbox.NewProcessor(tx.Repos().Outbox, publisher, opts)
	runner := outbox.NewRunner(processor)
	outboxCtx, stopOutbox := context.WithCancel(context.Background())
	runner.Start(outboxCtx)

	var media storage.MediaStore = storage.NewMemoryStore()
	if cfg.S3Bucket != "" {
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Endpoint:   cfg.S3Endpoint,
			PublicBase: cfg.S3PublicBase,
		})
		if err != nil {
			stopOutbox()
			return err
		}
		media = s3Store
	}

	conversationService := services.NewConversationService(tx, relationships, processor, l)
	messageService := services.NewMessageService(tx, profiles, processor, collectorSet, l)
	readTracker := services.NewReadTracker(tx, processor)
	reactionService := services.NewReactionService(tx, processor)

	srv := server.New(cfg, l)
	deps := server.Dependencies{
		Verifier: identity.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Gatherer: registry,
		Health: func(ctx context.Context) error {
			if err := database.HealthCheck(ctx, db); err != nil {
				return err
			}
			if redisClient != nil {
				return redisx.Ping(ctx, redisClient)
			}
			return nil
		},
	}
	if redisClient != nil {
		limits := redisx.DefaultRateLimitConfig()
		if cfg.MessageRateLimit > 0 {
			limits.MessageLimit = cfg.MessageRateLimit
		}
		deps.Limiter = redisx.NewRateLimiter(redisClient, limits)
	}
	srv.SetupRoutes(&server.Handlers{
		Conversations: handler.NewConversationHandler(conversationService, readTracker),
		Messages:      handler.NewMessageHandler(messageService, policy.PassThrough()),
		Reactions:     handler.NewReactionHandler(reactionService),
		Uploads:       handler.NewUploadHandler(media, cfg.MediaMaxSize),
		Stream:        websocket.NewHandler(bus, websocket.NewLogger(l)),
	}, deps)

	err := srv.Start(ctx)

	// Stop publishing before the bus goes away.
	stopOutbox()
	runner.Wait()
	if lease != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if rerr := lease.Release(releaseCtx); rerr != nil {
			l.Warnf("release outbox lease: %v", rerr)
		}
		cancel()
	}
	stopBus()
	return err
}
