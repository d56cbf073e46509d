package api

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/crucible-run/crucible/internal/api/middleware"
	"github.com/crucible-run/crucible/internal/core"
	"github.com/crucible-run/crucible/internal/lifecycle"
	"github.com/crucible-run/crucible/internal/store"
)

// TaskService is the producer-facing slice of the lifecycle service.
type TaskService interface {
	Create(ctx context.Context, p lifecycle.CreateParams) (core.Task, error)
	Get(ctx context.Context, id string) (core.Task, error)
	List(ctx context.Context, f store.ListFilter) ([]core.Task, error)
	Update(ctx context.Context, id string, p store.UpdateTaskParams) (core.Task, error)
	Retry(ctx context.Context, id string) (core.Task, error)
}

type API struct {
	pool *pgxpool.Pool
	svc  TaskService
	log  *zap.Logger
}

func NewAPI(pool *pgxpool.Pool, svc TaskService, log *zap.Logger) *API {
	return &API{pool: pool, svc: svc, log: log}
}

func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Metrics)
	r.Use(middleware.Recoverer(a.log))
	r.Use(middleware.Logger)
	r.Use(chiMiddleware.AllowContentType("application/json"))

	// Health endpoints
	r.Get("/healthz", a.HealthHandler)
	r.Get("/readyz", a.ReadyHandler)

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", a.CreateTask)
		r.Get("/tasks", a.ListTasks)
		r.Get("/tasks/{task_id}", a.GetTask)
		r.Patch("/tasks/{task_id}", a.UpdateTask)
		r.Post("/tasks/{task_id}:retry", a.RetryTask)
	})

	return r
}

func parseLimit(s string, def, max int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// encodeCursor encodes a timestamp as a base64 cursor.
func encodeCursor(t time.Time) string {
	return base64.StdEncoding.EncodeToString([]byte(t.Format(time.RFC3339Nano)))
}

// parseCursor decodes a base64 cursor; a bad cursor means "from the top".
func parseCursor(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return time.Time{}
	}
	return t
}
