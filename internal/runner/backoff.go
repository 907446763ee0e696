package runner

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"
)

// BackoffConfig configures retry delays between attempts on the same
// variant.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// DefaultBackoffConfig keeps jitter off so reruns are deterministic; enable
// it per deployment when thundering herds matter more than reproducibility.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         false,
	}
}

func (c BackoffConfig) normalized() BackoffConfig {
	if c.InitialDelayMS < 0 {
		c.InitialDelayMS = 0
	}
	if c.MaxDelayMS < 0 {
		c.MaxDelayMS = 0
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 1.0
	}
	return c
}

// DelayForAttempt returns the delay before retry number attempt (1-indexed).
// Jitter, when enabled, is seeded from jitterSeed so the same run replays
// the same delays.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	cfg = cfg.normalized()
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}

	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	// Jitter applies after capping, scaling into [0.5, 1.5].
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func jobJitterSeed(runID, jobID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, jobID, attempt)
}
