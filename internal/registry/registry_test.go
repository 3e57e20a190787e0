package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

func TestZombieDetectionByIdle(t *testing.T) {
	r := New(Options{MaxAge: time.Hour, MaxIdle: 10 * time.Millisecond}, nil)
	r.Register(models.RegistryEntry{
		PID:            1,
		SpawnedAt:      time.Now(),
		LastActivityAt: time.Now().Add(-50 * time.Millisecond),
	})

	zombies := r.GetZombies()
	assert.Len(t, zombies, 1)
	assert.Equal(t, 1, zombies[0].PID)
}

func TestZombieDetectionByAge(t *testing.T) {
	r := New(Options{MaxAge: 10 * time.Millisecond, MaxIdle: time.Hour}, nil)
	r.Register(models.RegistryEntry{
		PID:            2,
		SpawnedAt:      time.Now().Add(-50 * time.Millisecond),
		LastActivityAt: time.Now(),
	})

	assert.Len(t, r.GetZombies(), 1)
}

func TestTouchUpdatesActivity(t *testing.T) {
	r := New(Options{MaxAge: time.Hour, MaxIdle: time.Hour}, nil)
	r.Register(models.RegistryEntry{PID: 3, SpawnedAt: time.Now()})
	r.Touch(3, 10, 20)

	e, ok := r.Get(3)
	assert.True(t, ok)
	assert.Equal(t, int64(10), e.InputTokens)
	assert.Equal(t, int64(20), e.OutputTokens)
}

func TestReapInvokesCallbackAndRemoves(t *testing.T) {
	var reaped []models.RegistryEntry
	r := New(Options{MaxAge: time.Hour, MaxIdle: 10 * time.Millisecond}, func(e models.RegistryEntry) {
		reaped = append(reaped, e)
	})
	// Use a pid guaranteed not to correspond to a real process in this test's
	// namespace range so the signal is harmless.
	r.Register(models.RegistryEntry{
		PID:            999999,
		SpawnedAt:      time.Now(),
		LastActivityAt: time.Now().Add(-50 * time.Millisecond),
	})

	r.Reap()

	assert.Len(t, reaped, 1)
	assert.Equal(t, 0, r.Size())
	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Reaped)
}

func TestUnregisterIsUnconditional(t *testing.T) {
	r := New(Options{}, nil)
	r.Register(models.RegistryEntry{PID: 4, SpawnedAt: time.Now()})
	r.Unregister(4)
	_, ok := r.Get(4)
	assert.False(t, ok)
}
