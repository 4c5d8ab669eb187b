package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliveryhero/asya/asya-leasequeue/internal/clock"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/config"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/queueclient"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/transaction"
	"github.com/deliveryhero/asya/asya-leasequeue/pkg/envelopes"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(mutate ...func(*config.Config)) *config.Config {
	cfg := config.Default()
	cfg.Backend = config.BackendMemory
	cfg.InputQueue = "orders"
	cfg.VisibilityTimeout = 20 * time.Second
	cfg.AutomaticRenewal = true
	cfg.RenewalFraction = 0.5
	cfg.RenewalInterval = 5 * time.Second
	for _, m := range mutate {
		m(cfg)
	}
	return cfg
}

type harness struct {
	transport *Transport
	client    *queueclient.MemoryClient
	clock     *clock.Manual
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()

	clk := clock.NewManual(testStart)
	client := queueclient.NewMemoryClient(clk)

	tr, err := New(testConfig(mutate...), client, WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, tr.CreateQueue(context.Background(), "orders"))
	require.NoError(t, client.CreateIfMissing(context.Background(), tr.ErrorQueue()))
	t.Cleanup(func() { _ = tr.Close() })

	return &harness{transport: tr, client: client, clock: clk}
}

// probe leases from the input queue the way a second consumer would
func (h *harness) probe(t *testing.T) *queueclient.Delivery {
	t.Helper()
	d, err := h.client.Receive(context.Background(), "orders", time.Second)
	require.NoError(t, err)
	return d
}

// handle advances the clock in renewal-interval steps, running a renewal pass per step
func (h *harness) handle(total time.Duration, onStep func(elapsed time.Duration)) {
	step := h.transport.cfg.RenewalInterval
	if h.transport.renewer != nil {
		step = h.transport.renewer.Interval()
	}
	for elapsed := step; elapsed <= total; elapsed += step {
		h.clock.Advance(step)
		if h.transport.renewer != nil {
			h.transport.renewer.RenewDue(context.Background())
		}
		if onStep != nil {
			onStep(elapsed)
		}
	}
}

func TestTransport_RoundTripIsByteIdentical(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	body := []byte{0x00, 0xff, 0x10, '{', '"', 0x7f}
	headers := map[string]string{
		envelopes.HeaderMessageID:   "msg-1",
		envelopes.HeaderContentType: "application/octet-stream",
		"x-custom":                  "value with spaces",
	}

	require.NoError(t, h.transport.Send(ctx, "Orders", Message{Headers: headers, Body: body}, time.Time{}))

	tx := transaction.New()
	defer tx.Dispose(ctx)

	msg, err := h.transport.Receive(ctx, tx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, body, msg.Body)
	assert.Equal(t, headers, msg.Headers)
	assert.Equal(t, "msg-1", msg.MessageID())
	assert.NotEqual(t, msg.MessageID(), msg.LockToken)
	assert.Equal(t, 1, msg.DequeueCount)

	require.NoError(t, tx.Complete(ctx))
}

func TestTransport_SendAssignsMessageID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	original := map[string]string{"k": "v"}
	require.NoError(t, h.transport.Send(ctx, "orders", Message{Headers: original, Body: []byte("x")}, time.Time{}))
	assert.NotContains(t, original, envelopes.HeaderMessageID, "caller headers must not be mutated")

	tx := transaction.New()
	defer tx.Dispose(ctx)
	msg, err := h.transport.Receive(ctx, tx)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MessageID())
}

func TestTransport_RenewalScenario(t *testing.T) {
	tests := []struct {
		name          string
		renewal       bool
		wantProbeSees bool
	}{
		{name: "with renewal the probe finds the queue empty", renewal: true, wantProbeSees: false},
		{name: "without renewal the probe retrieves the message", renewal: false, wantProbeSees: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *config.Config) { c.AutomaticRenewal = tt.renewal })
			ctx := context.Background()

			require.NoError(t, h.transport.Send(ctx, "orders", Message{Body: []byte("work")}, time.Time{}))

			tx := transaction.New()
			defer tx.Dispose(ctx)
			msg, err := h.transport.Receive(ctx, tx)
			require.NoError(t, err)
			require.NotNil(t, msg)

			var probed *queueclient.Delivery
			h.handle(50*time.Second, func(elapsed time.Duration) {
				if elapsed == 25*time.Second {
					probed = h.probe(t)
				}
			})

			if tt.wantProbeSees {
				require.NotNil(t, probed, "message must be redelivered after the lease lapsed")
				assert.Equal(t, 2, probed.DequeueCount)

				err := tx.Complete(ctx)
				assert.True(t, queueclient.IsLeaseNotFound(err), "stale completion must report the lost lease: %v", err)
				return
			}

			assert.Nil(t, probed, "renewed lease must keep the message hidden")
			require.NoError(t, tx.Complete(ctx))
			assert.Equal(t, 0, h.transport.Leases().Len())

			h.clock.Advance(time.Hour)
			assert.Nil(t, h.probe(t), "completed message must never be redelivered")
		})
	}
}

func TestTransport_RenewalKeepsShortLeasesAlive(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.VisibilityTimeout = 5 * time.Second
		c.RenewalInterval = 5 * time.Second
	})
	ctx := context.Background()

	assert.Equal(t, 1250*time.Millisecond, h.transport.renewer.Interval(),
		"tick must leave two renewal passes inside the renewal window")

	require.NoError(t, h.transport.Send(ctx, "orders", Message{Body: []byte("work")}, time.Time{}))

	tx := transaction.New()
	defer tx.Dispose(ctx)
	msg, err := h.transport.Receive(ctx, tx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	h.handle(30*time.Second, func(elapsed time.Duration) {
		assert.Nil(t, h.probe(t), "second consumer obtained the message at %s", elapsed)
		assert.Equal(t, 1, h.transport.Leases().Len(), "lease dropped at %s", elapsed)
	})

	require.NoError(t, tx.Complete(ctx))
}

func TestTransport_ReceiveRequiresTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.transport.Send(ctx, "orders", Message{Body: []byte("x")}, time.Time{}))

	msg, err := h.transport.Receive(ctx, nil)
	require.Error(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, 0, h.transport.Leases().Len())

	d := h.probe(t)
	require.NotNil(t, d, "message must not be leased when no transaction is given")
	assert.Equal(t, 1, d.DequeueCount)
}

func TestTransport_CompleteRemovesLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.transport.Send(ctx, "orders", Message{Body: []byte("x")}, time.Time{}))

	tx := transaction.New()
	msg, err := h.transport.Receive(ctx, tx)
	require.NoError(t, err)

	_, tracked := h.transport.Leases().Get(msg.LockToken)
	assert.True(t, tracked, "lease must be registered before Receive returns")

	require.NoError(t, tx.Complete(ctx))
	tx.Dispose(ctx)

	_, tracked = h.transport.Leases().Get(msg.LockToken)
	assert.False(t, tracked)

	stats, err := h.client.Stats(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, queueclient.Stats{}, stats)
}

func TestTransport_RollbackRedeliversNoLaterThanExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.transport.Send(ctx, "orders", Message{Body: []byte("x")}, time.Time{}))

	tx := transaction.New()
	msg, err := h.transport.Receive(ctx, tx)
	require.NoError(t, err)

	require.NoError(t, tx.Abort(ctx))
	tx.Dispose(ctx)
	assert.Equal(t, 0, h.transport.Leases().Len())

	// Abandoned leases are not renewed
	h.handle(15*time.Second, nil)
	assert.Nil(t, h.probe(t))

	h.clock.Advance(5 * time.Second)
	d := h.probe(t)
	require.NotNil(t, d)
	assert.Equal(t, msg.MessageID(), d.Attributes[envelopes.HeaderMessageID])
}

func TestTransport_RollbackWithReleaseIsImmediate(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.ReleaseOnRollback = true })
	ctx := context.Background()

	require.NoError(t, h.transport.Send(ctx, "orders", Message{Body: []byte("x")}, time.Time{}))

	tx := transaction.New()
	_, err := h.transport.Receive(ctx, tx)
	require.NoError(t, err)

	tx.Dispose(ctx)
	assert.NotNil(t, h.probe(t))
}

func TestTransport_ReceiveEmptyQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := transaction.New()
	defer tx.Dispose(ctx)

	msg, err := h.transport.Receive(ctx, tx)
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestTransport_PoisonMessage(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxDequeueCount = 2 })
	ctx := context.Background()

	_, err := h.client.Enqueue(ctx, "orders", []byte("not an envelope"), nil, 0)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		tx := transaction.New()
		msg, err := h.transport.Receive(ctx, tx)
		assert.Nil(t, msg)
		assert.True(t, errors.Is(err, ErrPoisonMessage), "delivery %d: %v", i, err)
		tx.Dispose(ctx)

		assert.Equal(t, 0, h.transport.Leases().Len())
		h.clock.Advance(21 * time.Second)
	}

	tx := transaction.New()
	msg, err := h.transport.Receive(ctx, tx)
	require.NoError(t, err)
	assert.Nil(t, msg)
	tx.Dispose(ctx)

	stats, err := h.client.Stats(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, queueclient.Stats{}, stats, "poison message must leave the input queue")

	dead, err := h.client.Receive(ctx, h.transport.ErrorQueue(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, dead)
	assert.Equal(t, []byte("not an envelope"), dead.Payload)
}

func TestTransport_DeadLetter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.transport.Send(ctx, "orders", Message{
		Headers: map[string]string{envelopes.HeaderMessageID: "m-1"},
		Body:    []byte("payload"),
	}, time.Time{}))

	tx := transaction.New()
	msg, err := h.transport.Receive(ctx, tx)
	require.NoError(t, err)

	require.NoError(t, h.transport.DeadLetter(ctx, msg, errors.New("handler exploded")))
	require.NoError(t, tx.Complete(ctx))
	tx.Dispose(ctx)

	d, err := h.client.Receive(ctx, "error", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, d)

	env, err := envelopes.Decode(d.Payload)
	require.NoError(t, err)
	assert.Equal(t, "m-1", env.Headers[envelopes.HeaderMessageID])
	assert.Equal(t, "orders", env.Headers[envelopes.HeaderSourceQueue])
	assert.Equal(t, "handler exploded", env.Headers[envelopes.HeaderErrorDetails])
	assert.Equal(t, []byte("payload"), env.Body)
}

func TestTransport_DelayedSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.transport.Send(ctx, "orders", Message{Body: []byte("soon")}, testStart.Add(10*time.Minute)))

	assert.Nil(t, h.probe(t), "delayed message must not be visible yet")

	h.clock.Advance(10 * time.Minute)
	d := h.probe(t)
	require.NotNil(t, d)
}

func TestTransport_DelayBeyondThresholdGoesToBucket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deliverAt := testStart.Add(3*time.Hour + 20*time.Minute)
	require.NoError(t, h.transport.Send(ctx, "Orders", Message{Body: []byte("later")}, deliverAt))

	assert.Nil(t, h.probe(t), "bucketed message must not reach the main queue")

	d, err := h.client.Receive(ctx, "orders--t20260301150000", time.Minute)
	require.NoError(t, err, "bucket queue must be auto-created")
	require.NotNil(t, d)

	env, err := envelopes.Decode(d.Payload)
	require.NoError(t, err)
	assert.Equal(t, "orders", env.Headers[envelopes.HeaderDeferredRecipient])

	until, ok, err := env.DeferredUntil()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, until.Equal(deliverAt))
}

func TestTransport_SendToMissingQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("auto-create on", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.transport.Send(ctx, "billing", Message{Body: []byte("x")}, time.Time{}))

		_, err := h.client.Resolve(ctx, "billing")
		assert.NoError(t, err)
	})

	t.Run("auto-create off", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) { c.AutoCreate = false })
		err := h.transport.Send(ctx, "billing", Message{Body: []byte("x")}, time.Time{})
		assert.True(t, queueclient.IsQueueNotFound(err), "error = %v", err)
	})
}

func TestTransport_CreateQueuePrecreatesBuckets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	names, err := h.client.ListQueues(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"orders",
		"orders--t20260301120000",
		"orders--t20260301130000",
	}, names)
}

func TestTransport_PurgeInputQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.transport.Send(ctx, "orders", Message{Body: []byte("x")}, time.Time{}))
	}

	purged, err := h.transport.PurgeInputQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, purged)
	assert.Nil(t, h.probe(t))
}

func TestTransport_OneWayClient(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	client := queueclient.NewMemoryClient(clk)

	_, err := New(testConfig(func(c *config.Config) { c.InputQueue = "" }), client)
	assert.Error(t, err)

	oneWay, err := NewOneWayClient(testConfig(), client, WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, oneWay.Initialize(ctx))
	defer func() { _ = oneWay.Close() }()

	assert.Empty(t, oneWay.Address())

	_, err = oneWay.Receive(ctx, transaction.New())
	assert.ErrorIs(t, err, ErrOneWayClient)

	require.NoError(t, oneWay.Send(ctx, "orders", Message{Body: []byte("x")}, time.Time{}))
	d, err := client.Receive(ctx, "orders", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestTransport_InstancesDoNotShareLeases(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	client := queueclient.NewMemoryClient(clk)

	a, err := New(testConfig(), client, WithClock(clk))
	require.NoError(t, err)
	b, err := New(testConfig(), client, WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, a.CreateQueue(ctx, "orders"))

	require.NoError(t, a.Send(ctx, "orders", Message{Body: []byte("x")}, time.Time{}))

	tx := transaction.New()
	defer tx.Dispose(ctx)
	_, err = a.Receive(ctx, tx)
	require.NoError(t, err)

	assert.Equal(t, 1, a.Leases().Len())
	assert.Equal(t, 0, b.Leases().Len())
}

func TestTransport_ConcurrentReceiversGetDistinctMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, h.transport.Send(ctx, "orders", Message{Body: []byte("x")}, time.Time{}))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tx := transaction.New()
				msg, err := h.transport.Receive(ctx, tx)
				if err != nil || msg == nil {
					tx.Dispose(ctx)
					return
				}
				mu.Lock()
				seen[msg.MessageID()]++
				mu.Unlock()
				_ = tx.Complete(ctx)
				tx.Dispose(ctx)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "message %s delivered more than once", id)
	}
	assert.Equal(t, 0, h.transport.Leases().Len())
}

func TestTransport_InitializeAndClose(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	client := queueclient.NewMemoryClient(clk)

	tr, err := New(testConfig(), client, WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, tr.Initialize(ctx))

	_, err = client.Resolve(ctx, "orders")
	assert.NoError(t, err)
	_, err = client.Resolve(ctx, "error")
	assert.NoError(t, err)

	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}
