package lease

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registryStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLease(token string, expiresIn time.Duration) Lease {
	return Lease{
		Queue:             "orders",
		LockToken:         token,
		MessageID:         "msg-" + token,
		VisibilityTimeout: 20 * time.Second,
		ExpiresAt:         registryStart.Add(expiresIn),
		DequeueCount:      1,
	}
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := NewRegistry()

	r.Register(testLease("a", 20*time.Second))
	assert.Equal(t, 1, r.Len())

	select {
	case <-r.Notify():
	default:
		t.Fatal("Register did not signal")
	}

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, Active, got.State)
	assert.Equal(t, "msg-a", got.MessageID)

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Due(t *testing.T) {
	r := NewRegistry()
	r.Register(testLease("fresh", 20*time.Second))
	r.Register(testLease("half", 10*time.Second))
	r.Register(testLease("late", 3*time.Second))

	due := r.Due(registryStart, 0.5)
	tokens := map[string]bool{}
	for _, l := range due {
		tokens[l.LockToken] = true
		assert.Equal(t, Renewing, l.State)
	}
	assert.Equal(t, map[string]bool{"half": true, "late": true}, tokens)

	// Leases with a renewal in flight are not handed out twice
	assert.Empty(t, r.Due(registryStart, 0.5))
}

func TestRegistry_RenewedAndFailed(t *testing.T) {
	r := NewRegistry()
	r.Register(testLease("a", 5*time.Second))
	require.Len(t, r.Due(registryStart, 0.5), 1)

	next := registryStart.Add(2 * time.Second)
	updated, ok := r.Failed("a", next)
	require.True(t, ok)
	assert.Equal(t, 1, updated.Failures)
	assert.Equal(t, Active, updated.State)

	// Backoff defers the retry
	assert.Empty(t, r.Due(registryStart.Add(time.Second), 0.5))
	require.Len(t, r.Due(next, 0.5), 1)

	newExpiry := registryStart.Add(22 * time.Second)
	require.True(t, r.Renewed("a", newExpiry))

	got, _ := r.Get("a")
	assert.Equal(t, newExpiry, got.ExpiresAt)
	assert.Equal(t, 0, got.Failures)
	assert.True(t, got.NextAttempt.IsZero())
}

func TestRegistry_UpdatesAfterUnregisterAreNoops(t *testing.T) {
	r := NewRegistry()
	r.Register(testLease("a", 5*time.Second))
	require.Len(t, r.Due(registryStart, 0.5), 1)

	r.Unregister("a")

	assert.False(t, r.Renewed("a", registryStart.Add(time.Minute)))
	_, ok := r.Failed("a", registryStart)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len(), "renewal must not revive a completed lease")
}

func TestRegistry_Expire(t *testing.T) {
	r := NewRegistry()
	r.Register(testLease("gone", 5*time.Second))
	r.Register(testLease("alive", 30*time.Second))

	expired := r.Expire(registryStart.Add(5 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, "gone", expired[0].LockToken)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := string(rune('a' + i%26))
			r.Register(testLease(token, time.Duration(i)*time.Second))
			r.Due(registryStart, 0.5)
			r.Renewed(token, registryStart.Add(time.Minute))
			r.Unregister(token)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}
