package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
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

// Check is one dependency reported by the health endpoint.
type Check struct {
	Name  string
	Ping  func(ctx context.Context) error
	Stats func() interface{}
}

// PoolCheck pings a pgx pool and reports its statistics.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{
		Name:  "postgres",
		Ping:  pool.Ping,
		Stats: func() interface{} { return GetPoolStats(pool) },
	}
}

type checkResult struct {
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
	Stats  interface{} `json:"stats,omitempty"`
}

// HealthHandler pings every check and answers 503 if any fails.
func HealthHandler(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		results := make(map[string]checkResult, len(checks))
		for _, chk := range checks {
			res := checkResult{Status: "up"}
			if err := chk.Ping(ctx); err != nil {
				res = checkResult{Status: "down", Error: err.Error()}
				status, code = "unhealthy", http.StatusServiceUnavailable
			}
			if chk.Stats != nil {
				res.Stats = chk.Stats()
			}
			results[chk.Name] = res
		}

		return c.JSON(code, map[string]interface{}{
			"status": status,
			"checks": results,
		})
	}
}
