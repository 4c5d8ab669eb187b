package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deliveryhero/asya/asya-leasequeue/internal/clock"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/metrics"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/queueclient"
)

// Extender extends the visibility of a leased delivery
type Extender interface {
	Renew(ctx context.Context, queue, lockToken string, timeout time.Duration) (time.Time, error)
}

// RenewerConfig configures the renewal loop
type RenewerConfig struct {
	Fraction     float64       // renew once remaining time <= Fraction * visibility timeout (default: 0.5)
	Interval     time.Duration // tick while leases are tracked (default: 5s)
	RetryBackoff time.Duration // first retry delay after a transient failure (default: 1s)
	CallTimeout  time.Duration // bound on a single renewal call (default: 30s)
	Concurrency  int           // renewals in flight per tick (default: 16)
}

// Renewer keeps tracked leases alive until they are unregistered
type Renewer struct {
	registry *Registry
	extender Extender
	clock    clock.Clock
	metrics  *metrics.Metrics
	cfg      RenewerConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRenewer creates a renewer for registry. m may be nil.
func NewRenewer(registry *Registry, extender Extender, c clock.Clock, m *metrics.Metrics, cfg RenewerConfig) *Renewer {
	if cfg.Fraction <= 0 || cfg.Fraction >= 1 {
		cfg.Fraction = 0.5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if c == nil {
		c = clock.System{}
	}

	return &Renewer{
		registry: registry,
		extender: extender,
		clock:    c,
		metrics:  m,
		cfg:      cfg,
	}
}

// Interval returns the time between renewal passes
func (r *Renewer) Interval() time.Duration {
	return r.cfg.Interval
}

// Start launches the background loop. Calling Start on a running renewer is a no-op.
func (r *Renewer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go r.run(ctx)

	slog.Info("Lease renewer started",
		"interval", r.cfg.Interval,
		"fraction", r.cfg.Fraction,
		"concurrency", r.cfg.Concurrency)
}

// Stop ends the loop and waits for renewals already in flight
func (r *Renewer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	slog.Info("Lease renewer stopped", "trackedLeases", r.registry.Len())
}

func (r *Renewer) run(ctx context.Context) {
	defer r.wg.Done()

	timer := time.NewTimer(r.cfg.Interval)
	defer timer.Stop()

	for {
		// Idle until something is registered
		if r.registry.Len() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-r.registry.Notify():
				timer.Reset(r.cfg.Interval)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.RenewDue(ctx)
			timer.Reset(r.cfg.Interval)
		}
	}
}

// RenewDue runs one renewal pass over the registry
func (r *Renewer) RenewDue(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := r.clock.Now()

	for _, l := range r.registry.Expire(now) {
		slog.Warn("Lease lapsed before renewal, message will be redelivered",
			"queue", l.Queue, "messageId", l.MessageID, "failures", l.Failures)
		r.metrics.RecordRenewal(metrics.RenewalLapsed)
	}

	due := r.registry.Due(now, r.cfg.Fraction)
	if len(due) > 0 {
		// In-flight calls outlive Stop; each is bounded by CallTimeout instead
		callCtx := context.WithoutCancel(ctx)

		var g errgroup.Group
		g.SetLimit(r.cfg.Concurrency)
		for _, l := range due {
			g.Go(func() error {
				r.renew(callCtx, l)
				return nil
			})
		}
		_ = g.Wait()
	}

	r.metrics.SetActiveLeases(r.registry.Len())
}

func (r *Renewer) renew(ctx context.Context, l Lease) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	expiresAt, err := r.extender.Renew(ctx, l.Queue, l.LockToken, l.VisibilityTimeout)
	switch {
	case err == nil:
		if r.registry.Renewed(l.LockToken, expiresAt) {
			r.metrics.RecordRenewal(metrics.RenewalRenewed)
			slog.Debug("Lease renewed", "queue", l.Queue, "messageId", l.MessageID, "expiresAt", expiresAt)
		}

	case queueclient.IsLeaseNotFound(err), queueclient.IsQueueNotFound(err):
		if r.registry.Unregister(l.LockToken) {
			r.metrics.RecordRenewal(metrics.RenewalLost)
			slog.Warn("Lease lost, message will be redelivered", "queue", l.Queue, "messageId", l.MessageID, "error", err)
		}

	default:
		next := r.clock.Now().Add(r.backoff(l.Failures+1, l.VisibilityTimeout))
		if updated, ok := r.registry.Failed(l.LockToken, next); ok {
			r.metrics.RecordRenewal(metrics.RenewalFailed)
			slog.Warn("Lease renewal failed, will retry",
				"queue", l.Queue, "messageId", l.MessageID,
				"failures", updated.Failures, "nextAttempt", next, "error", err)
		}
	}
}

// backoff doubles RetryBackoff per consecutive failure, capped at limit
func (r *Renewer) backoff(failures int, limit time.Duration) time.Duration {
	d := r.cfg.RetryBackoff
	for i := 1; i < failures && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}
