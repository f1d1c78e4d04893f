package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"channelverify/api/handler"
	apiMiddleware "channelverify/api/middleware"
	"channelverify/api/routes"
	"channelverify/config"
	"channelverify/internal/delivery"
	"channelverify/internal/metrics"
	"channelverify/internal/repository"
	"channelverify/internal/service"
	"channelverify/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

type stores struct {
	tokens       repository.VerificationTokenRepository
	securityLogs repository.SecurityLogRepository
	health       func(ctx context.Context) error
	close        func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("open verification store")
	}
	defer st.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(registry)

	var hasher service.TokenHasher = service.BcryptTokenHasher{Cost: cfg.Verify.BcryptCost}
	if cfg.Verify.Hasher == "argon2id" {
		hasher = service.NewArgon2TokenHasher()
	}

	verificationService, err := service.NewVerificationService(
		st.tokens,
		st.securityLogs,
		delivery.DefaultRegistry(logger),
		service.SecureTokenGenerator{},
		hasher,
		service.RealClock{},
		logger,
		recorder,
		service.VerificationConfig{
			MaxAttempts:      cfg.Verify.MaxAttempts,
			EmailPolicy:      repository.EmailPolicy(cfg.Verify.EmailPolicy),
			DeliveryTimeout:  cfg.Delivery.Timeout,
			Retention:        cfg.Verify.Retention,
			SMSBackend:       cfg.Delivery.SMS.Backend,
			SMSBackendArgs:   cfg.Delivery.SMS.Options,
			EmailBackend:     cfg.Delivery.Email.Backend,
			EmailBackendArgs: cfg.Delivery.Email.Options,
			AppBaseURL:       cfg.Verify.AppBaseURL,
			EmailVerifyPath:  cfg.Verify.EmailVerifyPath,
		},
	)
	if err != nil {
		logger.WithError(err).Fatal("configure verification service")
	}

	accessManager := utils.JWTManager{
		Secret: []byte(cfg.JWT.Secret),
		Issuer: cfg.JWT.Issuer,
	}
	verificationHandler := handler.NewVerificationHandler(verificationService, validator.New(), logger)

	app := echo.New()
	app.HideBanner = true
	app.HidePort = true
	app.Use(echoMiddleware.Recover())
	app.Use(echoMiddleware.RequestLoggerWithConfig(echoMiddleware.RequestLoggerConfig{
		LogStatus:   true,
		LogMethod:   true,
		LogURI:      true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echoMiddleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"status": v.Status,
				"method": v.Method,
				"uri":    v.URI,
				"ip":     v.RemoteIP,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Error("request")
				return nil
			}
			entry.Info("request")
			return nil
		},
	}))

	router := routes.NewRouter(app, verificationHandler, apiMiddleware.AuthMiddleware{JWT: &accessManager})
	router.Gatherer = registry
	router.Health = st.health
	router.RegisterRoutes()

	go purgeLoop(ctx, verificationService, cfg.Verify.PurgeInterval, logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("server started")
		if err := app.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithField("level", cfg.Level).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func openStores(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*stores, error) {
	switch cfg.Verify.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, err
		}
		logger.WithField("addr", cfg.Redis.Addr).Info("using redis verification store")
		return &stores{
			tokens:       repository.NewRedisVerificationTokenRepository(client, cfg.Redis.Prefix, cfg.Verify.Retention),
			securityLogs: repository.NewMemorySecurityLogRepository(1000),
			health: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			close: func() { client.Close() },
		}, nil
	case "memory":
		logger.Warn("using in-memory verification store; tokens do not survive a restart")
		return &stores{
			tokens:       repository.NewMemoryVerificationTokenRepository(),
			securityLogs: repository.NewMemorySecurityLogRepository(1000),
			close:        func() {},
		}, nil
	default:
		db, err := config.ConnectionDb(cfg.Database.URL, logger)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		return &stores{
			tokens:       repository.NewVerificationTokenRepository(db),
			securityLogs: repository.NewSecurityLogRepository(db),
			health:       sqlDB.PingContext,
			close:        func() { sqlDB.Close() },
		}, nil
	}
}

func purgeLoop(ctx context.Context, svc *service.VerificationService, interval time.Duration, logger logrus.FieldLogger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.PurgeStale(ctx); err != nil {
				logger.WithError(err).Warn("purge stale verification tokens")
			}
		}
	}
}
