package health

import (
	"context"
	"time"
)

// Result is the outcome of one probe of the backend
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes a dependency
type Checker interface {
	Check(ctx context.Context) Result
}

// Config controls how often the backend is probed
type Config struct {
	// Interval is the time between probes
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// Retries is the number of consecutive failures before the backend
	// is reported unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// Status tracks consecutive probe outcomes
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	Healthy              bool
}

// NewStatus creates a Status that is healthy until probes say otherwise
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a new result into the status and reports whether the
// healthy flag changed
func (s *Status) Update(result Result, config Config) bool {
	was := s.Healthy
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
	return was != s.Healthy
}
