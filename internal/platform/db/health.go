package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the connection pool snapshot returned by /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check pings one backing service. Redis and the message broker register
// theirs next to the database ping.
type Check func(ctx context.Context) error

// DependencyReport is one line of the /health/db body.
type DependencyReport struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// RunChecks runs every check with a shared deadline and reports them in
// name order.
func RunChecks(ctx context.Context, checks map[string]Check) ([]DependencyReport, bool) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	reports := make([]DependencyReport, 0, len(names))
	for _, name := range names {
		r := DependencyReport{Name: name, Healthy: true}
		if err := checks[name](ctx); err != nil {
			r.Healthy = false
			r.Error = err.Error()
			healthy = false
		}
		reports = append(reports, r)
	}
	return reports, healthy
}

// HealthHandler pings the database plus any extra dependencies and reports
// pool statistics.
func HealthHandler(pool *pgxpool.Pool, extra map[string]Check) echo.HandlerFunc {
	checks := map[string]Check{"postgres": pool.Ping}
	for name, check := range extra {
		checks[name] = check
	}

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		reports, healthy := RunChecks(ctx, checks)
		body := map[string]interface{}{
			"status":       "healthy",
			"dependencies": reports,
			"pool":         GetPoolStats(pool),
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
