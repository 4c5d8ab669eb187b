package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/deliveryhero/asya/asya-leasequeue/internal/address"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/clock"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/config"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/lease"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/metrics"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/queueclient"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/transaction"
	"github.com/deliveryhero/asya/asya-leasequeue/pkg/envelopes"
)

var (
	// ErrPoisonMessage marks a delivery whose envelope cannot be decoded
	ErrPoisonMessage = errors.New("poison message")

	// ErrOneWayClient is returned by Receive on a send-only transport
	ErrOneWayClient = errors.New("one-way client cannot receive messages")
)

// Send modes recorded in metrics
const (
	modeImmediate = "immediate"
	modeDelayed   = "delayed"
	modeBucketed  = "bucketed"
)

// Message is what producers send and handlers receive
type Message struct {
	Headers map[string]string
	Body    []byte
}

// ReceivedMessage is a delivery leased from the input queue.
// LockToken identifies this delivery only; redeliveries of the same message get a new one.
type ReceivedMessage struct {
	Message
	Queue        string
	LockToken    string
	DequeueCount int
	ExpiresAt    time.Time
}

// MessageID returns the logical message ID header
func (m *ReceivedMessage) MessageID() string {
	return m.Headers[envelopes.HeaderMessageID]
}

// Option customizes a Transport
type Option func(*Transport)

// WithClock sets the time source for delays and lease bookkeeping
func WithClock(c clock.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// Transport sends to and receives from peek-lock queues
type Transport struct {
	cfg      *config.Config
	client   queueclient.Client
	resolver *address.Resolver
	registry *lease.Registry
	renewer  *lease.Renewer
	clock    clock.Clock
	metrics  *metrics.Metrics

	inputQueue string
	errorQueue string
	oneWay     bool
}

// New creates a two-way transport consuming cfg.InputQueue
func New(cfg *config.Config, client queueclient.Client, opts ...Option) (*Transport, error) {
	if cfg.InputQueue == "" {
		return nil, fmt.Errorf("input queue is required, use NewOneWayClient for send-only transports")
	}
	return newTransport(cfg, client, false, opts...)
}

// NewOneWayClient creates a send-only transport. Its Receive returns ErrOneWayClient.
func NewOneWayClient(cfg *config.Config, client queueclient.Client, opts ...Option) (*Transport, error) {
	oneWay := *cfg
	oneWay.InputQueue = ""
	return newTransport(&oneWay, client, true, opts...)
}

func newTransport(cfg *config.Config, client queueclient.Client, oneWay bool, opts ...Option) (*Transport, error) {
	resolver, err := address.NewResolver(address.OptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("invalid queue naming configuration: %w", err)
	}

	t := &Transport{
		cfg:      cfg,
		client:   client,
		resolver: resolver,
		registry: lease.NewRegistry(),
		clock:    clock.System{},
		oneWay:   oneWay,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.errorQueue, err = resolver.Normalize(cfg.ErrorQueue)
	if err != nil {
		return nil, fmt.Errorf("invalid error queue: %w", err)
	}

	if !oneWay {
		t.inputQueue, err = resolver.Normalize(cfg.InputQueue)
		if err != nil {
			return nil, fmt.Errorf("invalid input queue: %w", err)
		}

		if cfg.AutomaticRenewal {
			t.renewer = lease.NewRenewer(t.registry, client, t.clock, t.metrics, lease.RenewerConfig{
				Fraction:     cfg.RenewalFraction,
				Interval:     renewalTick(cfg),
				RetryBackoff: cfg.RenewalRetryBackoff,
				CallTimeout:  cfg.RenewalCallTimeout,
				Concurrency:  cfg.RenewalConcurrency,
			})
		}
	}

	return t, nil
}

// renewalTick keeps at least two renewal passes inside the renewal window
// so a lease cannot lapse between ticks
func renewalTick(cfg *config.Config) time.Duration {
	tick := cfg.RenewalInterval
	if half := cfg.RenewalWindow() / 2; half > 0 && half < tick {
		slog.Info("Shortening renewal interval to fit the visibility timeout",
			"renewalInterval", cfg.RenewalInterval,
			"visibilityTimeout", cfg.VisibilityTimeout,
			"renewalFraction", cfg.RenewalFraction,
			"tick", half)
		tick = half
	}
	return tick
}

// Initialize creates the input and error queues when auto-create is on and starts lease renewal
func (t *Transport) Initialize(ctx context.Context) error {
	if t.oneWay {
		slog.Info("Initialized one-way transport", "backend", t.cfg.Backend)
		return nil
	}

	if t.cfg.AutoCreate {
		if err := t.CreateQueue(ctx, t.inputQueue); err != nil {
			return err
		}
		if err := t.client.CreateIfMissing(ctx, t.errorQueue); err != nil {
			return fmt.Errorf("failed to create error queue %s: %w", t.errorQueue, err)
		}
	}

	if t.renewer != nil {
		t.renewer.Start()
	}

	slog.Info("Initialized transport",
		"backend", t.cfg.Backend,
		"inputQueue", t.inputQueue,
		"errorQueue", t.errorQueue,
		"visibilityTimeout", t.cfg.VisibilityTimeout,
		"automaticRenewal", t.renewer != nil)
	return nil
}

// Address returns the physical input queue name, empty for one-way clients
func (t *Transport) Address() string {
	return t.inputQueue
}

// ErrorQueue returns the physical dead-letter queue name
func (t *Transport) ErrorQueue() string {
	return t.errorQueue
}

// Leases exposes the registry of leases tracked for renewal
func (t *Transport) Leases() *lease.Registry {
	return t.registry
}

// Resolver exposes the queue name resolver
func (t *Transport) Resolver() *address.Resolver {
	return t.resolver
}

// Close stops lease renewal. The queue client is owned by the caller.
func (t *Transport) Close() error {
	if t.renewer != nil {
		t.renewer.Stop()
	}
	return nil
}

// Send enqueues msg for destination. A zero deliverAt delivers immediately.
// Deliveries beyond the delay threshold are parked in a time-bucket queue
// until the sweeper moves them to destination.
func (t *Transport) Send(ctx context.Context, destination string, msg Message, deliverAt time.Time) error {
	headers := envelopes.CloneHeaders(msg.Headers)
	if headers[envelopes.HeaderMessageID] == "" {
		headers[envelopes.HeaderMessageID] = uuid.NewString()
	}

	now := t.clock.Now()
	mode := modeImmediate

	var (
		queue string
		delay time.Duration
		err   error
	)
	if t.resolver.IsDeferred(deliverAt, now) {
		recipient, err := t.resolver.Normalize(destination)
		if err != nil {
			return err
		}
		queue, err = t.resolver.BucketName(destination, deliverAt)
		if err != nil {
			return err
		}
		headers[envelopes.HeaderDeferredUntil] = envelopes.FormatTime(deliverAt)
		headers[envelopes.HeaderDeferredRecipient] = recipient
		mode = modeBucketed
	} else {
		queue, err = t.resolver.Normalize(destination)
		if err != nil {
			return err
		}
		if deliverAt.After(now) {
			delay = deliverAt.Sub(now)
			mode = modeDelayed
		}
	}

	payload, err := envelopes.Encode(headers, msg.Body)
	if err != nil {
		return err
	}

	if err := t.enqueue(ctx, queue, payload, headers[envelopes.HeaderMessageID], delay); err != nil {
		return err
	}

	t.metrics.RecordMessageSent(queue, mode)
	slog.Debug("Sent message",
		"queue", queue,
		"msgId", headers[envelopes.HeaderMessageID],
		"mode", mode,
		"delay", delay)
	return nil
}

// enqueue writes payload to queue, creating the queue once if it is missing and auto-create is on
func (t *Transport) enqueue(ctx context.Context, queue string, payload []byte, messageID string, delay time.Duration) error {
	attributes := map[string]string{envelopes.HeaderMessageID: messageID}

	_, err := t.client.Enqueue(ctx, queue, payload, attributes, delay)
	if queueclient.IsQueueNotFound(err) && t.cfg.AutoCreate {
		slog.Info("Destination queue does not exist, creating it", "queue", queue)
		if err := t.client.CreateIfMissing(ctx, queue); err != nil {
			return fmt.Errorf("failed to create queue %s: %w", queue, err)
		}
		_, err = t.client.Enqueue(ctx, queue, payload, attributes, delay)
	}
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", queue, err)
	}
	return nil
}

// Receive leases one message from the input queue and binds its disposition to tx.
// Returns nil, nil when no message is available.
//
// On commit the lease is unregistered and the message deleted. On rollback the
// lease is unregistered and the message left to reappear when the lease expires
// (or released at once with ReleaseOnRollback).
func (t *Transport) Receive(ctx context.Context, tx *transaction.Context) (*ReceivedMessage, error) {
	if t.oneWay {
		return nil, ErrOneWayClient
	}
	if tx == nil {
		return nil, errors.New("receive requires a transaction context")
	}

	start := time.Now()
	d, err := t.client.Receive(ctx, t.inputQueue, t.cfg.VisibilityTimeout)
	t.metrics.ObserveReceiveDuration(t.inputQueue, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", t.inputQueue, err)
	}
	if d == nil {
		return nil, nil
	}
	t.metrics.RecordMessageReceived(t.inputQueue)

	env, err := envelopes.Decode(d.Payload)
	if err != nil {
		return nil, t.handlePoison(ctx, d, err)
	}

	msg := &ReceivedMessage{
		Message:      Message{Headers: env.Headers, Body: env.Body},
		Queue:        d.Queue,
		LockToken:    d.LockToken,
		DequeueCount: d.DequeueCount,
		ExpiresAt:    d.ExpiresAt,
	}

	if t.renewer != nil {
		t.registry.Register(lease.Lease{
			Queue:             t.inputQueue,
			LockToken:         d.LockToken,
			MessageID:         msg.MessageID(),
			VisibilityTimeout: t.cfg.VisibilityTimeout,
			ExpiresAt:         d.ExpiresAt,
			DequeueCount:      d.DequeueCount,
		})
	}

	if err := t.bind(tx, msg); err != nil {
		t.registry.Unregister(d.LockToken)
		return nil, err
	}

	slog.Debug("Received message",
		"queue", t.inputQueue,
		"msgId", msg.MessageID(),
		"dequeueCount", d.DequeueCount,
		"expiresAt", d.ExpiresAt)
	return msg, nil
}

func (t *Transport) bind(tx *transaction.Context, msg *ReceivedMessage) error {
	queue, token := t.inputQueue, msg.LockToken

	err := tx.OnCommit(func(ctx context.Context) error {
		// Unregister first so a renewal cannot race the delete
		t.registry.Unregister(token)
		if err := t.client.Delete(ctx, queue, token); err != nil {
			return fmt.Errorf("failed to complete message %s: %w", msg.MessageID(), err)
		}
		t.metrics.RecordMessageCompleted(queue)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to attach completion: %w", err)
	}

	err = tx.OnRollback(func(ctx context.Context) error {
		t.registry.Unregister(token)
		t.metrics.RecordMessageAbandoned(queue)
		if !t.cfg.ReleaseOnRollback {
			return nil
		}
		if _, err := t.client.Renew(ctx, queue, token, 0); err != nil && !queueclient.IsLeaseNotFound(err) {
			return fmt.Errorf("failed to release message %s: %w", msg.MessageID(), err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to attach rollback: %w", err)
	}

	return tx.OnDispose(func() {
		t.registry.Unregister(token)
	})
}

// handlePoison dead-letters an undecodable delivery once it exceeded the
// dequeue ceiling, otherwise leaves it leased so it reappears after expiry
func (t *Transport) handlePoison(ctx context.Context, d *queueclient.Delivery, decodeErr error) error {
	if d.DequeueCount <= t.cfg.MaxDequeueCount {
		slog.Warn("Failed to decode message, leaving it for redelivery",
			"queue", t.inputQueue,
			"messageId", d.MessageID,
			"dequeueCount", d.DequeueCount,
			"maxDequeueCount", t.cfg.MaxDequeueCount,
			"error", decodeErr)
		return fmt.Errorf("%w: message %s on %s: %v", ErrPoisonMessage, d.MessageID, t.inputQueue, decodeErr)
	}

	// The raw payload is kept as-is; it is the only evidence of what went wrong
	if err := t.enqueue(ctx, t.errorQueue, d.Payload, d.MessageID, 0); err != nil {
		return fmt.Errorf("failed to dead-letter poison message %s: %w", d.MessageID, err)
	}
	if err := t.client.Delete(ctx, t.inputQueue, d.LockToken); err != nil {
		return fmt.Errorf("failed to delete poison message %s: %w", d.MessageID, err)
	}

	t.metrics.RecordMessageDeadLettered(t.inputQueue, "poison")
	slog.Error("Moved poison message to error queue",
		"queue", t.inputQueue,
		"errorQueue", t.errorQueue,
		"messageId", d.MessageID,
		"dequeueCount", d.DequeueCount,
		"error", decodeErr)
	return nil
}

// DeadLetter copies msg to the error queue with the failure recorded in its headers.
// The caller still owns the delivery and normally commits it next.
func (t *Transport) DeadLetter(ctx context.Context, msg *ReceivedMessage, reason error) error {
	headers := envelopes.CloneHeaders(msg.Headers)
	headers[envelopes.HeaderSourceQueue] = msg.Queue
	if reason != nil {
		headers[envelopes.HeaderErrorDetails] = reason.Error()
	}

	payload, err := envelopes.Encode(headers, msg.Body)
	if err != nil {
		return err
	}
	if err := t.enqueue(ctx, t.errorQueue, payload, msg.MessageID(), 0); err != nil {
		return fmt.Errorf("failed to dead-letter message %s: %w", msg.MessageID(), err)
	}

	t.metrics.RecordMessageDeadLettered(msg.Queue, "handler")
	slog.Warn("Moved message to error queue",
		"queue", msg.Queue,
		"errorQueue", t.errorQueue,
		"msgId", msg.MessageID(),
		"dequeueCount", msg.DequeueCount,
		"reason", reason)
	return nil
}

// PurgeInputQueue deletes every message currently visible on the input queue.
// Best effort: leased messages and concurrent sends are not covered.
func (t *Transport) PurgeInputQueue(ctx context.Context) (int, error) {
	if t.oneWay {
		return 0, ErrOneWayClient
	}

	purged := 0
	for {
		d, err := t.client.Receive(ctx, t.inputQueue, t.cfg.VisibilityTimeout)
		if queueclient.IsQueueNotFound(err) {
			return purged, nil
		}
		if err != nil {
			return purged, fmt.Errorf("failed to purge %s: %w", t.inputQueue, err)
		}
		if d == nil {
			slog.Info("Purged input queue", "queue", t.inputQueue, "count", purged)
			return purged, nil
		}
		if err := t.client.Delete(ctx, t.inputQueue, d.LockToken); err != nil && !queueclient.IsLeaseNotFound(err) {
			return purged, fmt.Errorf("failed to purge %s: %w", t.inputQueue, err)
		}
		purged++
	}
}

// CreateQueue creates the queue for addr and the bucket queues of the next
// BucketPrecreate slots beyond the delay threshold
func (t *Transport) CreateQueue(ctx context.Context, addr string) error {
	name, err := t.resolver.Normalize(addr)
	if err != nil {
		return err
	}
	if err := t.client.CreateIfMissing(ctx, name); err != nil {
		return fmt.Errorf("failed to create queue %s: %w", name, err)
	}

	if t.cfg.BucketPrecreate == 0 {
		return nil
	}

	from := t.clock.Now().Add(t.cfg.DelayThreshold)
	to := from.Add(time.Duration(t.cfg.BucketPrecreate-1) * t.cfg.BucketWidth)
	buckets, err := t.resolver.BucketsBetween(addr, from, to)
	if err != nil {
		return err
	}
	for _, bucket := range buckets {
		if err := t.client.CreateIfMissing(ctx, bucket); err != nil {
			return fmt.Errorf("failed to create bucket queue %s: %w", bucket, err)
		}
	}

	slog.Debug("Created queue", "queue", name, "buckets", len(buckets))
	return nil
}
