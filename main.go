package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/passport-check/internal/auth"
	"github.com/example/passport-check/internal/blobstore"
	"github.com/example/passport-check/internal/config"
	"github.com/example/passport-check/internal/events"
	"github.com/example/passport-check/internal/grpcclient"
	"github.com/example/passport-check/internal/handlers"
	"github.com/example/passport-check/internal/logging"
	"github.com/example/passport-check/internal/photostore"
	"github.com/example/passport-check/internal/repository"
	"github.com/example/passport-check/internal/stream"
	"github.com/example/passport-check/internal/usecase"
	"github.com/example/passport-check/internal/verification"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	repo, closeRepo := initRepository(ctx, cfg, logger)
	defer closeRepo()
	store := photostore.NewStore(repo, logger)

	var cache usecase.Cache
	if cfg.RedisEnabled {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.RabbitMQEnabled {
		amqpPublisher, err := events.DialAMQP(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
		if err != nil {
			logger.Fatal("failed to connect to rabbitmq", zap.Error(err))
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	client, conn, err := grpcclient.DialFaceInspector(ctx, cfg.InferenceAddr, logger)
	if err != nil {
		logger.Fatal("failed to connect to face inspector", zap.Error(err))
	}
	defer conn.Close()

	blobs, err := blobstore.NewFileStore(cfg.BlobDir, logger)
	if err != nil {
		logger.Fatal("failed to prepare blob storage", zap.Error(err))
	}
	signer := blobstore.NewURLSigner(cfg.JWTSecret, cfg.PublicBaseURL, cfg.BlobURLTTL)

	engine := verification.NewEngine(client, cfg.InferenceTimeout, logger)
	registry := stream.NewRegistry(engine, logger)
	photos := usecase.NewPhotoUseCase(store, blobs, signer, cache, publisher, logger)
	verifier := usecase.NewVerificationUseCase(engine, logger)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, handlers.Dependencies{
		Photos:         photos,
		Verifier:       verifier,
		Registry:       registry,
		Blobs:          blobs,
		Signer:         signer,
		Logger:         logger,
		MaxUploadSize:  cfg.MaxUploadSize,
		AllowedOrigins: cfg.AllowedOrigins,
	}, authMiddleware)

	server := newHTTPServer(cfg.HTTPAddr, r, registry)

	logger.Info("passport check API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("metadata_backend", cfg.MetadataBackend),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newHTTPServer builds the server; streaming sessions live on hijacked
// connections that Shutdown does not track, so they are disposed explicitly.
func newHTTPServer(addr string, handler http.Handler, registry *stream.Registry) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	server.RegisterOnShutdown(registry.CloseAll)
	return server
}

func initRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (photostore.Repository, func()) {
	switch cfg.MetadataBackend {
	case config.BackendMongo:
		client := initMongo(ctx, cfg.MongoURI, logger)
		repo := repository.NewMongoCollectionRepository(client.Database(cfg.MongoDatabase), logger)
		if err := repo.EnsureIndexes(ctx); err != nil {
			logger.Fatal("mongo index creation failed", zap.Error(err))
		}
		return repo, func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(disconnectCtx); err != nil {
				logger.Warn("mongo disconnect failed", zap.Error(err))
			}
		}
	case config.BackendMemory:
		logger.Warn("photo metadata kept in memory; it is lost on restart")
		return photostore.NewMemoryRepository(), func() {}
	default:
		db := initDatabase(ctx, cfg.DatabaseDSN, logger)
		repo := repository.NewCollectionRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		return repo, func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initMongo(ctx context.Context, uri string, zapLogger *zap.Logger) *mongo.Client {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		zapLogger.Fatal("failed to connect to mongo", zap.Error(err))
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		zapLogger.Fatal("mongo ping failed", zap.Error(err))
	}
	return client
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
