package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ShipBox/config"
	"github.com/BearBump/ShipBox/internal/api/shipments_api"
	"github.com/BearBump/ShipBox/internal/broker/kafka"
	"github.com/BearBump/ShipBox/internal/cache/rediscache"
	"github.com/BearBump/ShipBox/internal/idempotency"
	"github.com/BearBump/ShipBox/internal/services/shipments"
	"github.com/BearBump/ShipBox/internal/storage/pgshipment"
	"github.com/go-chi/chi/v5"
)

type shipAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   shipAPIOpts
	router chi.Router

	producer *kafka.Producer
	closeDB  func()
}

func mustBootstrapShipAPI() *shipAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.ShipBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.StatusChangedTopicName
	if topic == "" {
		topic = "shipment.status.changed"
	}
	cacheTTL := time.Duration(cfg.ShipBox.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	idemTTL := time.Duration(cfg.ShipBox.IdempotencyTTLSeconds) * time.Second
	if idemTTL <= 0 {
		idemTTL = idempotency.DefaultTTL
	}
	rlPerMinute := int64(cfg.ShipBox.RateLimitPerMinute)
	if rlPerMinute <= 0 {
		rlPerMinute = 120
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	svc := shipments.New(st, rc, producer, topic, cacheTTL)
	guard := idempotency.New(rc, idemTTL)

	api := shipments_api.New(svc, guard, rl, rlPerMinute)
	if swaggerPath := os.Getenv("swaggerPath"); swaggerPath != "" {
		api = api.WithSwagger(swaggerPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &shipAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: shipAPIOpts{
			httpAddr:    httpAddr,
			swaggerPath: os.Getenv("swaggerPath"),
		},
		router:   api.Router(),
		producer: producer,
		closeDB:  st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgshipment.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgshipment.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *shipAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *shipAPIApp) Run() error {
	return runShipAPI(a.ctx, a.opts, a.router)
}
