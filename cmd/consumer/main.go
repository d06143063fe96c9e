package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-booking/internal/config"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total messages consumed per stream",
	}, []string{"stream"})
	msgsInvalid = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received per stream",
	}, []string{"stream"})
	sinkWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_sink_writes_total",
		Help: "Total successful writes to redis or the audit log",
	}, []string{"stream"})
	sinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_sink_errors_total",
		Help: "Total failed writes after retries",
	}, []string{"stream"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, sinkWrites, sinkErrors)
}

// errInvalid marks a message that can never be applied; it is skipped.
var errInvalid = errors.New("invalid message")

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("consumer exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ConsumerConfig, logger *slog.Logger) error {
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	locator := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	var audit storage.AuditLog
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		audit = pg
	} else {
		logger.Warn("PG_DSN not set, booking events are not consumed")
	}

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r := newReader(cfg, cfg.KafkaLocationTopic)
		defer r.Close()
		return consume(ctx, r, "locations", logger, func(ctx context.Context, m kafka.Message) error {
			return applyLocation(ctx, locator, m.Value, 3, 200*time.Millisecond)
		})
	})
	if audit != nil {
		g.Go(func() error {
			r := newReader(cfg, cfg.KafkaEventsTopic)
			defer r.Close()
			return consume(ctx, r, "events", logger, func(ctx context.Context, m kafka.Message) error {
				return applyEvent(ctx, audit, m.Value, 3, 200*time.Millisecond)
			})
		})
	}
	return g.Wait()
}

func newReader(cfg config.ConsumerConfig, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: topic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

// consume reads until ctx ends, backing off on broker errors. Messages the
// handler rejects are logged and skipped so one bad payload cannot wedge
// the partition.
func consume(ctx context.Context, r *kafka.Reader, stream string, logger *slog.Logger, handle func(context.Context, kafka.Message) error) error {
	log := logger.With("stream", stream, "topic", r.Config().Topic)
	log.Info("consumer listening", "brokers", r.Config().Brokers, "group", r.Config().GroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down consumer")
				return nil
			}
			log.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.WithLabelValues(stream).Inc()

		switch err := handle(ctx, m); {
		case errors.Is(err, errInvalid):
			msgsInvalid.WithLabelValues(stream).Inc()
			log.Warn("invalid message", "offset", m.Offset, "error", err)
		case err != nil:
			sinkErrors.WithLabelValues(stream).Inc()
			log.Error("sink write failed", "key", string(m.Key), "error", err)
		default:
			sinkWrites.WithLabelValues(stream).Inc()
		}
	}
}

func applyLocation(ctx context.Context, locator geo.Locator, value []byte, attempts int, delay time.Duration) error {
	var loc models.DriverLocation
	if err := json.Unmarshal(value, &loc); err != nil {
		return fmt.Errorf("%w: %v", errInvalid, err)
	}
	if loc.DriverID == "" || loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
		return fmt.Errorf("%w: driver id or coordinates out of range", errInvalid)
	}
	return withRetry(ctx, attempts, delay, func() error { return locator.Upsert(ctx, loc) })
}

func applyEvent(ctx context.Context, audit storage.AuditLog, value []byte, attempts int, delay time.Duration) error {
	var e events.Event
	if err := json.Unmarshal(value, &e); err != nil {
		return fmt.Errorf("%w: %v", errInvalid, err)
	}
	if e.ID == "" || e.Type == "" {
		return fmt.Errorf("%w: event id and type are required", errInvalid)
	}
	entry := events.AuditEntry(e)
	return withRetry(ctx, attempts, delay, func() error { return audit.Append(ctx, entry) })
}

// withRetry calls fn up to attempts times, doubling delay between tries.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
