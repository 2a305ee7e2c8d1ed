package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/REFLX0/RAM/internal/auth"
	"github.com/REFLX0/RAM/internal/config"
	"github.com/REFLX0/RAM/internal/enroll"
	"github.com/REFLX0/RAM/internal/frame"
	"github.com/REFLX0/RAM/internal/grpcclient"
	"github.com/REFLX0/RAM/internal/handlers"
	"github.com/REFLX0/RAM/internal/imaging"
	"github.com/REFLX0/RAM/internal/logging"
	"github.com/REFLX0/RAM/internal/matcher"
	"github.com/REFLX0/RAM/internal/registry"
	"github.com/REFLX0/RAM/internal/repository"
	"github.com/REFLX0/RAM/internal/session"
	"github.com/REFLX0/RAM/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	journal := repository.NewAccessRepository(db, logger)
	if err := journal.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	cache := usecase.NewRedisCache(initRedis(redisCtx, cfg.RedisAddr, logger))

	client, closeMatcher := initMatcher(ctx, cfg, logger)
	defer closeMatcher()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	camera := frame.Exclusive(
		frame.NewSnapshotCamera(cfg.CameraSnapshotURL, &http.Client{Timeout: 5 * time.Second}, logger),
		cfg.CameraDevice,
	)

	board := usecase.NewStatusBoard(cache, journal, logger)
	board.Run()
	defer board.Close()

	scanner := session.New(
		frame.Transformed(camera, imaging.FaceTransform(cfg.FaceCropRatio, cfg.FaceMaxEdge)),
		client,
		session.WithConfig(cfg.Scan),
		session.WithObserver(board),
		session.WithLogger(logger),
		session.WithMetrics(session.NewMetrics(reg)),
	)
	// deferred after the board so the controller stops publishing first
	defer scanner.Close()

	registryClient, err := registry.NewClient(cfg.RegistryURL, cfg.RegistryToken, &http.Client{Timeout: 30 * time.Second}, logger)
	if err != nil {
		logger.Fatal("invalid registry configuration", zap.Error(err))
	}

	uc := usecase.NewKioskUseCase(usecase.Dependencies{
		Scanner:  scanner,
		Journal:  journal,
		Cache:    cache,
		Registry: registryClient,
		Camera:   camera,
		Sequencer: enroll.NewSequencer(
			enroll.WithPrompter(enroll.LogPrompter{Logger: logger}),
			enroll.WithLogger(logger),
			enroll.WithMaxRetriesPerAngle(cfg.EnrollMaxRetries),
		),
		Quality: imaging.QualityCheck(cfg.EnrollMinBytes, cfg.EnrollMinEdge),
		Logger:  logger,
	})

	r := gin.New()
	r.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(logger, true))

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, uc, authMiddleware, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("kiosk API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
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

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// initMatcher prefers the gRPC matcher when an address is configured and
// falls back to the HTTP endpoint otherwise.
func initMatcher(ctx context.Context, cfg config.Config, zapLogger *zap.Logger) (matcher.Client, func()) {
	if cfg.MatcherGRPCAddr != "" {
		client, conn, err := grpcclient.DialMatcher(ctx, cfg.MatcherGRPCAddr, zapLogger)
		if err != nil {
			zapLogger.Fatal("failed to connect to matcher", zap.Error(err))
		}
		return client, func() { _ = conn.Close() }
	}

	client, err := matcher.NewHTTPClient(cfg.MatcherURL, &http.Client{Timeout: cfg.Scan.RequestTimeout}, zapLogger)
	if err != nil {
		zapLogger.Fatal("invalid matcher configuration", zap.Error(err))
	}
	return client, func() {}
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
