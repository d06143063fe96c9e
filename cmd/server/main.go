package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/catalog"
	"github.com/example/ride-booking/internal/config"
	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/fleet"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/httpapi"
	"github.com/example/ride-booking/internal/idempotency"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/matcher"
	"github.com/example/ride-booking/internal/notify"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/storage"
	"github.com/example/ride-booking/internal/support"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	var audit storage.AuditLog
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		audit = pg
	}

	store := storage.NewMemoryStore()
	if cfg.MongoURI != "" {
		client, err := storage.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		closers = append(closers, func() error { return client.Disconnect(context.Background()) })
		if store, err = storage.NewMongoStore(ctx, client, cfg.MongoDB, cfg.MongoTransactions, audit); err != nil {
			return err
		}
		logger.Info("using mongodb store", "db", cfg.MongoDB)
	} else {
		logger.Warn("MONGO_URI not set, data is kept in memory")
		if audit != nil {
			store.Audit = audit
		}
	}

	var locator geo.Locator = geo.NewIndex()
	var idem idempotency.Store = idempotency.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		closers = append(closers, rdb.Close)
		locator = geo.NewRedisGeo(rdb, cfg.RedisGeoKey)
		idem = idempotency.NewRedisStore(rdb)
	}

	var pub events.Publisher = &events.AuditPublisher{Log: store.Audit}
	var locations fleet.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, cfg.KafkaLocationTopic)
		closers = append(closers, producer.Close)
		pub, locations = producer, producer
	}

	var gateway payments.Gateway = payments.NewMockGateway()
	if cfg.PaymentGateway == "stripe" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
	}
	logger.Info("payment gateway ready", "gateway", gateway.Name())

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps, Logger: logger}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}
	match := &matcher.Service{
		Geo:      locator,
		Drivers:  store.Drivers,
		ETA:      estimator,
		TopN:     cfg.MatcherTopN,
		RadiusKm: cfg.MatchRadiusKm,
	}

	loc := cfg.Location()
	hub := notify.NewHub()
	notes := notify.NewService(store, hub, logger)

	authSvc := auth.NewService(store, auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL), pub, logger)
	if cfg.AdminEmail != "" {
		if err := authSvc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			return err
		}
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Auth: authSvc,
		Bookings: booking.NewService(booking.Deps{
			Store:          store,
			Gateway:        gateway,
			Idempotency:    idem,
			Matcher:        match,
			Notifier:       notes,
			Events:         pub,
			Logger:         logger,
			Location:       loc,
			Currency:       cfg.Currency,
			IdempotencyTTL: cfg.IdempotencyTTL,
		}),
		Fleet: fleet.NewService(fleet.Deps{
			Store:     store,
			Locator:   locator,
			Locations: locations,
			Events:    pub,
			Notifier:  notes,
			Logger:    logger,
		}),
		Catalog: catalog.NewService(catalog.Deps{
			Store:     store,
			Estimator: estimator,
			Logger:    logger,
			Location:  loc,
			Currency:  cfg.Currency,
		}),
		Support: support.NewService(support.Deps{
			Store:    store,
			Events:   pub,
			Notifier: notes,
			Logger:   logger,
		}),
		Notifications:  notes,
		Hub:            hub,
		Logger:         logger,
		Production:     cfg.IsProduction(),
		AllowedOrigins: cfg.CORSOrigins,
		LoginRate:      rate.Limit(cfg.LoginPerMinute / 60),
		LoginBurst:     cfg.LoginBurst,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-booking listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
