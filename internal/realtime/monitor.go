package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Monitor converts heartbeat silence into disconnect events. It is a single
// supervised background task started once at service initialization, not
// lazily on the first connection.
type Monitor struct {
	registry *Registry
	relay    *Relay
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor creates a liveness monitor. A connection whose last heartbeat
// is older than timeout is torn down through the same path as an explicit
// leave, tagged with ReasonHeartbeatTimeout.
func NewMonitor(registry *Registry, relay *Relay, timeout, interval time.Duration, logger *zap.Logger) *Monitor {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		registry: registry,
		relay:    relay,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps tracked connections until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("liveness monitor started",
		zap.Duration("timeout", m.timeout), zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(time.Now())
		}
	}
}

// Sweep tears down every connection whose heartbeat deadline has passed.
// Teardown is idempotent per connection, so a connection expiring during
// the sweep is disconnected exactly once.
func (m *Monitor) Sweep(now time.Time) {
	for _, c := range m.registry.Connections() {
		silence := now.Sub(c.LastHeartbeat())
		if silence <= m.timeout {
			continue
		}
		m.logger.Warn("heartbeat timeout",
			zap.String("client_id", c.ID),
			zap.String("user_id", c.UserID()),
			zap.Duration("silence", silence))
		m.relay.Disconnect(c, ReasonHeartbeatTimeout)
	}
}
