package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deliveryhero/asya/asya-leasequeue/internal/address"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/clock"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/metrics"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/queueclient"
	"github.com/deliveryhero/asya/asya-leasequeue/pkg/envelopes"
)

// Config configures the sweeper
type Config struct {
	Interval   time.Duration // time between sweeps (default: 30s)
	Visibility time.Duration // lease held on a bucketed message while it is moved (default: 30s)
	ErrorQueue string        // physical queue for undecodable bucket messages
	Prefix     string        // only sweep buckets whose name starts with Prefix
	AutoCreate bool          // create missing destination queues
}

// Result summarizes one sweep
type Result struct {
	Moved          int
	DeadLettered   int
	BucketsDeleted int
}

// Sweeper moves due messages from time-bucket queues to their destination queue
type Sweeper struct {
	client   queueclient.Client
	resolver *address.Resolver
	clock    clock.Clock
	metrics  *metrics.Metrics
	cfg      Config
}

// New creates a sweeper. c and m may be nil.
func New(client queueclient.Client, resolver *address.Resolver, cfg Config, c clock.Clock, m *metrics.Metrics) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if c == nil {
		c = clock.System{}
	}
	return &Sweeper{
		client:   client,
		resolver: resolver,
		clock:    c,
		metrics:  m,
		cfg:      cfg,
	}
}

// Run sweeps every Interval until ctx is canceled
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("Starting sweeper", "interval", s.cfg.Interval, "prefix", s.cfg.Prefix)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if result, err := s.SweepOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Sweep failed", "error", err)
		} else if result.Moved > 0 || result.DeadLettered > 0 || result.BucketsDeleted > 0 {
			slog.Info("Sweep completed",
				"moved", result.Moved,
				"deadLettered", result.DeadLettered,
				"bucketsDeleted", result.BucketsDeleted)
		}

		select {
		case <-ctx.Done():
			slog.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce drains every bucket whose slot ends within the delay threshold and
// deletes buckets whose slot has passed once they are empty
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var result Result

	names, err := s.client.ListQueues(ctx, s.cfg.Prefix)
	if err != nil {
		return result, fmt.Errorf("failed to list queues: %w", err)
	}

	opts := s.resolver.Options()
	now := s.clock.Now()

	var errs []error
	for _, name := range names {
		_, start, ok := address.ParseBucket(name)
		if !ok {
			continue
		}

		end := start.Add(opts.BucketWidth)
		if end.Sub(now) > opts.DelayThreshold {
			continue
		}

		moved, dead, err := s.drain(ctx, name)
		result.Moved += moved
		result.DeadLettered += dead
		if err != nil {
			errs = append(errs, fmt.Errorf("bucket %s: %w", name, err))
			continue
		}

		if end.After(now) {
			continue
		}
		deleted, err := s.deleteIfEmpty(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("bucket %s: %w", name, err))
			continue
		}
		if deleted {
			result.BucketsDeleted++
		}
	}

	return result, errors.Join(errs...)
}

func (s *Sweeper) drain(ctx context.Context, bucket string) (moved, dead int, err error) {
	for {
		d, err := s.client.Receive(ctx, bucket, s.cfg.Visibility)
		if err != nil {
			return moved, dead, fmt.Errorf("failed to receive: %w", err)
		}
		if d == nil {
			return moved, dead, nil
		}

		env, decodeErr := envelopes.Decode(d.Payload)
		var recipient string
		var until time.Time
		if decodeErr == nil {
			recipient = env.Headers[envelopes.HeaderDeferredRecipient]
			var ok bool
			until, ok, decodeErr = env.DeferredUntil()
			if decodeErr == nil && (!ok || recipient == "") {
				decodeErr = fmt.Errorf("bucketed message is missing %s or %s", envelopes.HeaderDeferredUntil, envelopes.HeaderDeferredRecipient)
			}
		}

		if decodeErr != nil {
			if err := s.deadLetter(ctx, bucket, d, decodeErr); err != nil {
				return moved, dead, err
			}
			dead++
			continue
		}

		headers := envelopes.CloneHeaders(env.Headers)
		delete(headers, envelopes.HeaderDeferredUntil)
		delete(headers, envelopes.HeaderDeferredRecipient)

		payload, err := envelopes.Encode(headers, env.Body)
		if err != nil {
			return moved, dead, err
		}

		delay := max(until.Sub(s.clock.Now()), 0)
		if err := s.enqueue(ctx, recipient, payload, headers[envelopes.HeaderMessageID], delay); err != nil {
			return moved, dead, err
		}

		// The copy is already at its destination; a failed delete only risks a duplicate
		if err := s.client.Delete(ctx, bucket, d.LockToken); err != nil {
			slog.Warn("Failed to delete swept message, it may be delivered twice",
				"bucket", bucket, "messageId", d.MessageID, "error", err)
		}

		s.metrics.RecordMessageSwept(recipient)
		slog.Debug("Moved deferred message",
			"bucket", bucket,
			"destination", recipient,
			"msgId", headers[envelopes.HeaderMessageID],
			"delay", delay)
		moved++
	}
}

func (s *Sweeper) enqueue(ctx context.Context, queue string, payload []byte, messageID string, delay time.Duration) error {
	attributes := map[string]string{envelopes.HeaderMessageID: messageID}

	_, err := s.client.Enqueue(ctx, queue, payload, attributes, delay)
	if queueclient.IsQueueNotFound(err) && s.cfg.AutoCreate {
		if err := s.client.CreateIfMissing(ctx, queue); err != nil {
			return fmt.Errorf("failed to create queue %s: %w", queue, err)
		}
		_, err = s.client.Enqueue(ctx, queue, payload, attributes, delay)
	}
	if err != nil {
		return fmt.Errorf("failed to move message to %s: %w", queue, err)
	}
	return nil
}

func (s *Sweeper) deadLetter(ctx context.Context, bucket string, d *queueclient.Delivery, cause error) error {
	if err := s.enqueue(ctx, s.cfg.ErrorQueue, d.Payload, d.MessageID, 0); err != nil {
		return fmt.Errorf("failed to dead-letter message %s: %w", d.MessageID, err)
	}
	if err := s.client.Delete(ctx, bucket, d.LockToken); err != nil {
		return fmt.Errorf("failed to delete dead-lettered message %s: %w", d.MessageID, err)
	}

	s.metrics.RecordMessageDeadLettered(bucket, "undeliverable")
	slog.Error("Moved undeliverable bucketed message to error queue",
		"bucket", bucket, "errorQueue", s.cfg.ErrorQueue, "messageId", d.MessageID, "error", cause)
	return nil
}

func (s *Sweeper) deleteIfEmpty(ctx context.Context, bucket string) (bool, error) {
	stats, err := s.client.Stats(ctx, bucket)
	if err != nil {
		return false, fmt.Errorf("failed to read stats: %w", err)
	}
	if stats.Queued > 0 || stats.InFlight > 0 {
		return false, nil
	}

	if err := s.client.DeleteQueue(ctx, bucket); err != nil && !queueclient.IsQueueNotFound(err) {
		return false, fmt.Errorf("failed to delete: %w", err)
	}
	slog.Info("Deleted drained bucket queue", "bucket", bucket)
	return true, nil
}
