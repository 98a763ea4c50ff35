package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docqa/pkg/log"
	"github.com/cuemby/docqa/pkg/metrics"
)

// Monitor probes a checker periodically and reports the backend as a
// health component
type Monitor struct {
	checker   Checker
	config    Config
	component string
	logger    zerolog.Logger

	mu     sync.RWMutex
	status *Status
}

// NewMonitor creates a monitor reporting under component
func NewMonitor(checker Checker, config Config, component string) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	return &Monitor{
		checker:   checker,
		config:    config,
		component: component,
		logger:    log.WithComponent("health"),
		status:    NewStatus(),
	}
}

// Run probes immediately and then every Interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		m.probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Healthy reports the current verdict
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Healthy
}

// Last returns the most recent probe result
func (m *Monitor) Last() Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.LastResult
}

func (m *Monitor) probe(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	result := m.checker.Check(checkCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	changed := m.status.Update(result, m.config)
	healthy := m.status.Healthy
	m.mu.Unlock()

	metrics.UpdateComponent(m.component, healthy, result.Message)
	if changed {
		if healthy {
			m.logger.Info().Str("target", m.component).Msg("Backend healthy again")
		} else {
			m.logger.Warn().Str("target", m.component).Str("reason", result.Message).Msg("Backend unhealthy")
		}
	}
}
