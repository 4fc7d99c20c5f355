package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStatus is the connection-pool snapshot reported by the database
// health endpoint.
type PoolStatus struct {
	Total         int32 `json:"total"`
	Idle          int32 `json:"idle"`
	Acquired      int32 `json:"acquired"`
	Max           int32 `json:"max"`
	EmptyAcquires int64 `json:"empty_acquires"`
}

// Saturated reports whether every pool slot is in use. A saturated pool
// is still healthy, but new acquirers are about to queue.
func (p *PoolStatus) Saturated() bool {
	return p.Max > 0 && p.Acquired >= p.Max
}

func snapshotPool(pool *pgxpool.Pool) *PoolStatus {
	stat := pool.Stat()
	return &PoolStatus{
		Total:         stat.TotalConns(),
		Idle:          stat.IdleConns(),
		Acquired:      stat.AcquiredConns(),
		Max:           stat.MaxConns(),
		EmptyAcquires: stat.EmptyAcquireCount(),
	}
}

// HealthHandler reports database reachability plus a pool snapshot.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := snapshotPool(pool)
		if err := pool.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unavailable",
				"error":  err.Error(),
				"pool":   status,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"pool":      status,
			"saturated": status.Saturated(),
		})
	}
}
