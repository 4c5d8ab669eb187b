package lease

import (
	"sync"
	"time"
)

// State is the renewal state of a tracked lease
type State int

const (
	// Active leases are waiting for their next renewal
	Active State = iota
	// Renewing leases have a renewal call in flight
	Renewing
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Renewing:
		return "renewing"
	default:
		return "unknown"
	}
}

// Lease is the bookkeeping for one leased delivery
type Lease struct {
	Queue             string
	LockToken         string
	MessageID         string
	VisibilityTimeout time.Duration
	ExpiresAt         time.Time
	DequeueCount      int

	State       State
	Failures    int       // consecutive failed renewals
	NextAttempt time.Time // zero when no retry backoff is pending
}

// Registry tracks leased-but-unfinished deliveries by lock token.
// Each transport owns its own registry.
type Registry struct {
	mu     sync.Mutex
	leases map[string]*Lease
	notify chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		leases: make(map[string]*Lease),
		notify: make(chan struct{}, 1),
	}
}

// Register starts tracking l and wakes the renewer
func (r *Registry) Register(l Lease) {
	l.State = Active
	l.Failures = 0
	l.NextAttempt = time.Time{}

	r.mu.Lock()
	r.leases[l.LockToken] = &l
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Unregister stops tracking token. Reports whether it was tracked.
func (r *Registry) Unregister(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.leases[token]
	delete(r.leases, token)
	return ok
}

// Get returns a copy of the lease for token
func (r *Registry) Get(token string) (Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[token]
	if !ok {
		return Lease{}, false
	}
	return *l, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// Notify fires after Register
func (r *Registry) Notify() <-chan struct{} {
	return r.notify
}

// Due marks every active lease whose remaining time is at most fraction of its
// visibility timeout as Renewing and returns copies of them
func (r *Registry) Due(now time.Time, fraction float64) []Lease {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []Lease
	for _, l := range r.leases {
		if l.State != Active || now.Before(l.NextAttempt) {
			continue
		}
		threshold := time.Duration(float64(l.VisibilityTimeout) * fraction)
		if l.ExpiresAt.Sub(now) > threshold {
			continue
		}
		l.State = Renewing
		due = append(due, *l)
	}
	return due
}

// Expire drops active leases that expired at or before now and returns them
func (r *Registry) Expire(now time.Time) []Lease {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Lease
	for token, l := range r.leases {
		if l.State == Active && !l.ExpiresAt.After(now) {
			expired = append(expired, *l)
			delete(r.leases, token)
		}
	}
	return expired
}

// Renewed records a successful renewal. No-op when token was unregistered meanwhile.
func (r *Registry) Renewed(token string, expiresAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[token]
	if !ok {
		return false
	}
	l.State = Active
	l.ExpiresAt = expiresAt
	l.Failures = 0
	l.NextAttempt = time.Time{}
	return true
}

// Failed records a failed renewal to be retried no earlier than nextAttempt.
// No-op when token was unregistered meanwhile.
func (r *Registry) Failed(token string, nextAttempt time.Time) (Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[token]
	if !ok {
		return Lease{}, false
	}
	l.State = Active
	l.Failures++
	l.NextAttempt = nextAttempt
	return *l, true
}
