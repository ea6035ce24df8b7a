package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsUnderCeiling(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 2)
	allowed, _ := rl.CheckAndRecord("cred-1", 10)
	assert.True(t, allowed)
	allowed, _ = rl.CheckAndRecord("cred-1", 10)
	assert.True(t, allowed)
}

func TestRateLimiterBlocksOverCeiling(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 1)
	allowed, _ := rl.CheckAndRecord("cred-1", 10)
	assert.True(t, allowed)
	allowed, wait := rl.CheckAndRecord("cred-1", 10)
	assert.False(t, allowed)
	assert.Greater(t, wait, time.Duration(0))
}

func TestRateLimiterSlidesWindow(t *testing.T) {
	rl := NewRateLimiter(20*time.Millisecond, 1)
	allowed, _ := rl.CheckAndRecord("cred-1", 10)
	assert.True(t, allowed)
	time.Sleep(25 * time.Millisecond)
	allowed, _ = rl.CheckAndRecord("cred-1", 10)
	assert.True(t, allowed)
}

func TestRateLimiterPerCredentialIsolated(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 1)
	allowed, _ := rl.CheckAndRecord("cred-1", 10)
	assert.True(t, allowed)
	allowed, _ = rl.CheckAndRecord("cred-2", 10)
	assert.True(t, allowed)
}
