package realtime

import (
	"math"
	"math/rand"
	"time"
)

// ReconnectConfig enables automatic reconnection after an unexpected
// close. Disabled, a dropped connection stays down until a token is
// observed again.
type ReconnectConfig struct {
	Enabled     bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 means unlimited
}

func (c *ReconnectConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
}

type backoff struct {
	cfg     ReconnectConfig
	attempt int
}

func (b *backoff) shouldRetry() bool {
	return b.cfg.Enabled && (b.cfg.MaxAttempts == 0 || b.attempt < b.cfg.MaxAttempts)
}

// next returns base*2^attempt plus up to 50% jitter, capped at MaxDelay
func (b *backoff) next() time.Duration {
	jitter := rand.Float64() * float64(b.cfg.BaseDelay) * 0.5
	delay := math.Min(
		float64(b.cfg.BaseDelay)*math.Pow(2, float64(b.attempt))+jitter,
		float64(b.cfg.MaxDelay),
	)
	b.attempt++
	return time.Duration(delay)
}

func (b *backoff) reset() {
	b.attempt = 0
}
