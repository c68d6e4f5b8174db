package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	ShipBox  ShipBoxConfig  `yaml:"shipbox"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	StatusChangedTopicName string `yaml:"status_changed_topic_name"`
	SLAAlertTopicName      string `yaml:"sla_alert_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ShipBoxConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	CurrentStatusTTLSeconds int `yaml:"current_status_ttl_seconds"`
	IdempotencyTTLSeconds   int `yaml:"idempotency_ttl_seconds"`
	RateLimitPerMinute      int `yaml:"rate_limit_per_minute"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerScanIntervalSeconds int    `yaml:"worker_scan_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int    `yaml:"worker_lease_seconds"`

	// Каденс пересчёта SLA (опционально; нули = дефолты slawatch).
	WorkerOnTimeMinDelaySeconds      int `yaml:"worker_on_time_min_delay_seconds"`
	WorkerOnTimeMaxDelaySeconds      int `yaml:"worker_on_time_max_delay_seconds"`
	WorkerAtRiskLowDelaySeconds      int `yaml:"worker_at_risk_low_delay_seconds"`
	WorkerAtRiskMediumDelaySeconds   int `yaml:"worker_at_risk_medium_delay_seconds"`
	WorkerAtRiskHighDelaySeconds     int `yaml:"worker_at_risk_high_delay_seconds"`
	WorkerAtRiskCriticalDelaySeconds int `yaml:"worker_at_risk_critical_delay_seconds"`
	WorkerBreachedDelaySeconds       int `yaml:"worker_breached_delay_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
