package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_DelayReusesLastEntry(t *testing.T) {
	cfg := DefaultConfig

	assert.Equal(t, 1*time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 5*time.Second, cfg.Delay(3))
	assert.Equal(t, 5*time.Second, cfg.Delay(10))
	assert.Equal(t, 1*time.Second, cfg.Delay(0))
}

func TestConfig_Jitter(t *testing.T) {
	cfg := NewConfig(WithDelays(time.Second), WithJitter(0.5))

	for range 50 {
		d := cfg.Delay(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestNewConfig_Options(t *testing.T) {
	cfg := NewConfig(
		WithMaxRetries(5),
		WithDelays(100*time.Millisecond, 200*time.Millisecond),
		WithFailureThreshold(7),
		WithResetTimeout(time.Second),
	)

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, cfg.Delays)
	assert.Equal(t, 7, cfg.FailureThreshold)
	assert.Equal(t, time.Second, cfg.ResetTimeout)

	// Options must not leak into the shared default.
	assert.Len(t, DefaultConfig.Delays, 3)
}

func TestConfig_Normalized(t *testing.T) {
	cfg := Config{}.normalized()

	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, DefaultConfig.Delays, cfg.Delays)
	assert.Equal(t, DefaultConfig.FailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, DefaultConfig.ResetTimeout, cfg.ResetTimeout)
}
