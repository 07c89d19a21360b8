package database

import (
	"context"
	"database/sql"
	"time"
)

// pingTimeout bounds the probe so a wedged connection cannot stall the API
// health handler or a worker heartbeat.
const pingTimeout = 2 * time.Second

// PoolStats is a point-in-time snapshot of the sql.DB connection pool.
// Durations serialize as milliseconds.
type PoolStats struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDuration    int64 `json:"wait_duration_ms"`
	MaxOpenConns    int   `json:"max_open_conns"`
}

// HealthStatus is the database portion of the /health response: round-trip
// latency plus pool pressure, so a slow run scheduler can be told apart
// from a saturated pool.
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
	PoolStats
}

// Health round-trips the database and snapshots the pool. The status is
// "unhealthy" exactly when an error is also returned.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	err := db.PingContext(pingCtx)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: elapsed}, err
	}

	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: elapsed,
		PoolStats:    snapshotPool(db),
	}, nil
}

func snapshotPool(db *sql.DB) PoolStats {
	s := db.Stats()
	return PoolStats{
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		WaitCount:       s.WaitCount,
		WaitDuration:    s.WaitDuration.Milliseconds(),
		MaxOpenConns:    s.MaxOpenConnections,
	}
}
