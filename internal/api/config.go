package api

import "time"

type Config struct {
	HTTPAddr        string        `envconfig:"CRUCIBLE_HTTP_ADDR" default:"0.0.0.0:8080"`
	DBDSN           string        `envconfig:"CRUCIBLE_DB_DSN" required:"true"`
	RedisAddr       string        `envconfig:"CRUCIBLE_REDIS_ADDR" default:"localhost:6379"`
	QueueKey        string        `envconfig:"CRUCIBLE_QUEUE_KEY" default:"crucible:tasks"`
	MetricsAddr     string        `envconfig:"CRUCIBLE_METRICS_ADDR" default:"0.0.0.0:9090"`
	LogLevel        string        `envconfig:"CRUCIBLE_LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"CRUCIBLE_SHUTDOWN_TIMEOUT" default:"30s"`
}
