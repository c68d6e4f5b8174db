package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/ShipBox/config"
	"github.com/BearBump/ShipBox/internal/broker/kafka"
	"github.com/BearBump/ShipBox/internal/cache/rediscache"
	"github.com/BearBump/ShipBox/internal/services/slawatch"
	"github.com/BearBump/ShipBox/internal/storage/pgshipment"
)

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type workerFactories struct {
	newStorage  func(cfg *config.Config) (repo slawatch.Repository, closeFn func(), err error)
	newProducer func(cfg *config.Config) slawatch.Producer
	newConsumer func(cfg *config.Config, topic, group string) kafkaConsumer
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (slawatch.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgshipment.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) slawatch.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newConsumer: func(cfg *config.Config, topic, group string) kafkaConsumer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, group)
		},
	}
}

// Redis здесь не нужен воркеру напрямую, но health-пинг кэша при старте
// сразу подсвечивает битый конфиг. Best-effort.
func warmUpRedis(cfg *config.Config) {
	if cfg.Redis.Host == "" {
		return
	}
	addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(addr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := rc.Get(ctx, "warmup"); err != nil {
		slog.Warn("redis is not reachable", "addr", addr, "error", err.Error())
	}
}

func scheduleFromConfig(sb config.ShipBoxConfig) slawatch.ScheduleConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return slawatch.ScheduleConfig{
		OnTimeMinDelay:      sec(sb.WorkerOnTimeMinDelaySeconds),
		OnTimeMaxDelay:      sec(sb.WorkerOnTimeMaxDelaySeconds),
		AtRiskLowDelay:      sec(sb.WorkerAtRiskLowDelaySeconds),
		AtRiskMediumDelay:   sec(sb.WorkerAtRiskMediumDelaySeconds),
		AtRiskHighDelay:     sec(sb.WorkerAtRiskHighDelaySeconds),
		AtRiskCriticalDelay: sec(sb.WorkerAtRiskCriticalDelaySeconds),
		BreachedDelay:       sec(sb.WorkerBreachedDelaySeconds),
	}
}

func RunSLAWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	alertTopic := cfg.Kafka.SLAAlertTopicName
	if alertTopic == "" {
		alertTopic = "sla.alert"
	}
	statusTopic := cfg.Kafka.StatusChangedTopicName
	if statusTopic == "" {
		statusTopic = "shipment.status.changed"
	}
	group := cfg.ShipBox.KafkaConsumerGroup
	if group == "" {
		group = "sla-worker"
	}

	scanInterval := time.Duration(cfg.ShipBox.WorkerScanIntervalSeconds) * time.Second
	if scanInterval <= 0 {
		scanInterval = 5 * time.Second
	}
	batchSize := cfg.ShipBox.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.ShipBox.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.ShipBox.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)

	scanner := slawatch.New(repo, producer, alertTopic).
		WithSettings(scanInterval, batchSize, concurrency, lease).
		WithSchedule(scheduleFromConfig(cfg.ShipBox))

	if f.newConsumer != nil {
		consumer := f.newConsumer(cfg, statusTopic, group)
		defer func() { _ = consumer.Close() }()
		go func() {
			slog.Info("kafka consumer started", "topic", statusTopic, "group", group)
			_ = consumer.Consume(ctx, scanner.HandleStatusChanged)
		}()
	}

	if cfg.ShipBox.WorkerHTTPAddr != "" {
		go func() {
			err := runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr: cfg.ShipBox.WorkerHTTPAddr,
				scanner:  scanner,
				cfg:      cfg,
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("worker http server", "error", err.Error())
			}
		}()
	}

	return scanner.Run(ctx)
}
