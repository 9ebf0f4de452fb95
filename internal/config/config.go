package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// Poller settings for the due-job scanner.
	PollIntervalSeconds int `env:"POLL_INTERVAL_SECONDS,default=5"`
	PollBatchLimit      int `env:"POLL_BATCH_LIMIT,default=100"`

	WorkerConcurrency int `env:"WORKER_CONCURRENCY,default=9"`
	QueuePrefetch     int `env:"QUEUE_PREFETCH,default=10"`

	// QuotaCacheTTLSeconds bounds staleness of cached policies and counters.
	QuotaCacheTTLSeconds int `env:"QUOTA_CACHE_TTL_SECONDS,default=30"`

	SendTimeoutSeconds int `env:"SEND_TIMEOUT_SECONDS,default=30"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) QuotaCacheTTL() time.Duration {
	return time.Duration(c.QuotaCacheTTLSeconds) * time.Second
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}
