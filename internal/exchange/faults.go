package exchange

import (
	"context"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FaultConfig controls deterministic failure injection on the sim link.
type FaultConfig struct {
	Enabled    bool
	DropPct    int
	DelayMsMin int
	DelayMsMax int
	// OutageAfter/OutageFor define one connectivity outage window
	// relative to link start, during which Connect and Heartbeat fail.
	OutageAfter time.Duration
	OutageFor   time.Duration
	Seed        int64
}

// LoadFaultConfig reads fault configuration from environment variables.
func LoadFaultConfig() FaultConfig {
	return FaultConfig{
		Enabled:     getEnvAsBool("FAULT_ENABLED", false),
		DropPct:     getEnvAsInt("FAULT_DROP_PCT", 0),
		DelayMsMin:  getEnvAsInt("FAULT_DELAY_MS_MIN", 0),
		DelayMsMax:  getEnvAsInt("FAULT_DELAY_MS_MAX", 0),
		OutageAfter: getEnvAsDuration("FAULT_OUTAGE_AFTER", 0),
		OutageFor:   getEnvAsDuration("FAULT_OUTAGE_FOR", 0),
		Seed:        getEnvAsInt64("FAULT_SEED", 1),
	}
}

// Faults injects drops, delays and one outage window.
type Faults struct {
	cfg    FaultConfig
	logger *zap.Logger
	start  time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFaults creates a fault injector.
func NewFaults(cfg FaultConfig, logger *zap.Logger) *Faults {
	return &Faults{
		cfg:    cfg,
		logger: logger,
		start:  time.Now(),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// InOutage reports whether the configured outage window is active.
func (f *Faults) InOutage() bool {
	if f == nil || !f.cfg.Enabled || f.cfg.OutageFor <= 0 {
		return false
	}
	elapsed := time.Since(f.start)
	return elapsed >= f.cfg.OutageAfter && elapsed < f.cfg.OutageAfter+f.cfg.OutageFor
}

// MaybeDrop reports whether the operation should be silently dropped.
func (f *Faults) MaybeDrop(op string) bool {
	if f == nil || !f.cfg.Enabled || f.cfg.DropPct == 0 {
		return false
	}
	f.mu.Lock()
	drop := f.rng.Intn(100) < f.cfg.DropPct
	f.mu.Unlock()
	if drop {
		f.logger.Info("fault drop injected", zap.String("op", op))
	}
	return drop
}

// MaybeDelay injects a random delay.
func (f *Faults) MaybeDelay(ctx context.Context, op string) error {
	if f == nil || !f.cfg.Enabled {
		return nil
	}
	if f.cfg.DelayMsMin == 0 && f.cfg.DelayMsMax == 0 {
		return nil
	}

	f.mu.Lock()
	delayMs := f.cfg.DelayMsMin
	if f.cfg.DelayMsMax > f.cfg.DelayMsMin {
		delayMs += f.rng.Intn(f.cfg.DelayMsMax - f.cfg.DelayMsMin + 1)
	}
	f.mu.Unlock()

	if delayMs <= 0 {
		return nil
	}
	f.logger.Info("fault delay injected", zap.String("op", op), zap.Int("delay_ms", delayMs))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(delayMs) * time.Millisecond):
		return nil
	}
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
