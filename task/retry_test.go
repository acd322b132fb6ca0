package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
	assert.Equal(t, 30*time.Second, cfg.BackoffCap)
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 4*time.Second, cfg.Backoff(3))
	assert.Equal(t, 16*time.Second, cfg.Backoff(5))

	// Growth stops at the cap.
	assert.Equal(t, 30*time.Second, cfg.Backoff(6))
	assert.Equal(t, 30*time.Second, cfg.Backoff(20))

	// Out-of-range attempts clamp to the first delay.
	assert.Equal(t, time.Second, cfg.Backoff(0))
	assert.Equal(t, time.Second, cfg.Backoff(-3))
}
