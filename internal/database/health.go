// internal/database/health.go
package database

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github-pr-tracker/internal/metrics"
)

// Pinger is the minimal surface the health checker probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

// HealthStatus is the result of one probe.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Pool      *PoolStats    `json:"pool,omitempty"`
}

// HealthChecker probes the database and remembers the last result.
type HealthChecker struct {
	db      Pinger
	timeout time.Duration
	logger  *slog.Logger
	latest  atomic.Pointer[HealthStatus]
}

// NewHealthChecker creates a HealthChecker. A non-positive timeout defaults to two seconds.
func NewHealthChecker(db Pinger, timeout time.Duration, logger *slog.Logger) *HealthChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{db: db, timeout: timeout, logger: logger}
}

// Check pings the database once and records the outcome.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := h.db.Ping(ctx)
	status := HealthStatus{
		Healthy:   err == nil,
		Latency:   time.Since(start),
		CheckedAt: time.Now(),
	}
	if err != nil {
		status.Error = err.Error()
		metrics.DBUp.Set(0)
	} else {
		metrics.DBUp.Set(1)
	}

	if p, ok := h.db.(interface{ Stat() *pgxpool.Stat }); ok {
		st := p.Stat()
		status.Pool = &PoolStats{
			TotalConns:    st.TotalConns(),
			IdleConns:     st.IdleConns(),
			AcquiredConns: st.AcquiredConns(),
			MaxConns:      st.MaxConns(),
		}
		metrics.DBPoolConns.WithLabelValues("total").Set(float64(st.TotalConns()))
		metrics.DBPoolConns.WithLabelValues("idle").Set(float64(st.IdleConns()))
		metrics.DBPoolConns.WithLabelValues("acquired").Set(float64(st.AcquiredConns()))
	}

	h.latest.Store(&status)
	return status
}

// Latest returns the last recorded probe, if any.
func (h *HealthChecker) Latest() (HealthStatus, bool) {
	s := h.latest.Load()
	if s == nil {
		return HealthStatus{}, false
	}
	return *s, true
}

// Watch probes the database every interval until ctx is done.
func (h *HealthChecker) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.report(h.Check(ctx))
	for {
		select {
		case <-ticker.C:
			h.report(h.Check(ctx))
		case <-ctx.Done():
			h.logger.Info("Health monitor shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (h *HealthChecker) report(s HealthStatus) {
	if s.Healthy {
		h.logger.Debug("Database health check passed", "latency", s.Latency)
		return
	}
	h.logger.Warn("Database health check failed", "error", s.Error, "latency", s.Latency)
}
