// Package health watches the downstream service with periodic health checks.
//
// The aggregator keeps answering while the downstream is down; lookups then
// resolve as null. The monitor only makes that state visible, through the
// aggregator_downstream_up gauge and the /health/downstream endpoint.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dreamware/aggregator/internal/metrics"
)

// Health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultTimeout     = 2 * time.Second
	DefaultMaxFailures = 3
)

// CheckFunc probes the watched service once.
type CheckFunc func(ctx context.Context) error

// Config configures a Monitor.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Check  CheckFunc

	Interval time.Duration
	Timeout  time.Duration

	// MaxFailures is the number of consecutive failed checks before the
	// service is reported unhealthy.
	MaxFailures int
}

// Validate fills defaults and checks required fields.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Check == nil {
		return errors.New("check function is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	return nil
}

// Status is a snapshot of the watched service's health.
type Status struct {
	Status           string    `json:"status"`
	LastCheck        time.Time `json:"lastCheck"`
	LastHealthy      time.Time `json:"lastHealthy"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastError        string    `json:"lastError,omitempty"`
}

// Monitor tracks the health of one downstream service.
type Monitor struct {
	log *slog.Logger
	cfg *Config

	mu     sync.RWMutex
	status Status
}

// New validates cfg and returns a monitor in the unknown state.
func New(cfg *Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		log:    cfg.Logger,
		cfg:    cfg,
		status: Status{Status: StatusUnknown},
	}, nil
}

// Start checks once immediately and then every Interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.log.Info("health: monitor started", "interval", m.cfg.Interval)
	m.Check(ctx)

	for {
		select {
		case <-ticker.Chan():
			m.Check(ctx)
		case <-ctx.Done():
			m.log.Info("health: monitor stopped")
			return
		}
	}
}

// Check runs one probe and updates the status.
func (m *Monitor) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	err := m.cfg.Check(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Clock.Now()
	m.status.LastCheck = now

	if err != nil {
		m.status.ConsecutiveFails++
		m.status.LastError = err.Error()
		m.log.Debug("health: check failed",
			"attempt", m.status.ConsecutiveFails, "maxFailures", m.cfg.MaxFailures, "error", err)

		if m.status.ConsecutiveFails >= m.cfg.MaxFailures && m.status.Status != StatusUnhealthy {
			m.status.Status = StatusUnhealthy
			metrics.DownstreamUp.Set(0)
			m.log.Warn("health: downstream marked unhealthy", "failures", m.status.ConsecutiveFails, "error", err)
		}
		return
	}

	if m.status.Status == StatusUnhealthy {
		m.log.Info("health: downstream recovered")
	}
	m.status.Status = StatusHealthy
	m.status.ConsecutiveFails = 0
	m.status.LastError = ""
	m.status.LastHealthy = now
	metrics.DownstreamUp.Set(1)
}

// Status returns a copy of the current status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Healthy reports whether the last checks succeeded. An unchecked service is
// not healthy.
func (m *Monitor) Healthy() bool {
	return m.Status().Status == StatusHealthy
}
