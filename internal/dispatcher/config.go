package dispatcher

import (
	"os"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	DBDSN         string        `envconfig:"CRUCIBLE_DB_DSN" required:"true"`
	RedisAddr     string        `envconfig:"CRUCIBLE_REDIS_ADDR" default:"localhost:6379"`
	QueueKey      string        `envconfig:"CRUCIBLE_QUEUE_KEY" default:"crucible:tasks"`
	WorkerID      string        `envconfig:"CRUCIBLE_WORKER_ID"`
	ScaffoldRoot  string        `envconfig:"CRUCIBLE_SCAFFOLD_ROOT" default:"/var/lib/crucible/builds"`
	MetricsAddr   string        `envconfig:"CRUCIBLE_METRICS_ADDR" default:"0.0.0.0:9091"`
	LogLevel      string        `envconfig:"CRUCIBLE_LOG_LEVEL" default:"info"`
	SweepInterval time.Duration `envconfig:"CRUCIBLE_SWEEP_INTERVAL" default:"30s"`
}

// ResolveWorkerID returns the configured worker id, defaulting to the host
// name. The id keys the queue's per-consumer processing list, so it must be
// stable across restarts or a crashed worker's in-flight delivery is never
// recovered.
func (c Config) ResolveWorkerID() string {
	if c.WorkerID != "" {
		return c.WorkerID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return "worker-" + host
	}
	return "worker-" + uuid.New().String()[:8]
}
