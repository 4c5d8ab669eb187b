package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deliveryhero/asya/asya-leasequeue/internal/transaction"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/transport"
)

// Handler processes one received message. A nil error completes the message.
type Handler func(ctx context.Context, msg *transport.ReceivedMessage) error

// Receiver is the part of the transport the consumer drives
type Receiver interface {
	Address() string
	Receive(ctx context.Context, tx *transaction.Context) (*transport.ReceivedMessage, error)
	DeadLetter(ctx context.Context, msg *transport.ReceivedMessage, reason error) error
}

// Options configures the worker pool
type Options struct {
	Workers         int           // concurrent receive loops (default: 1)
	IdleBackoff     time.Duration // pause after an empty receive or a receive error (default: 200ms)
	MaxDequeueCount int           // handler failures at this dequeue count are dead-lettered (default: 5)
}

// Consumer runs receive loops against a transport and settles each message's unit of work
type Consumer struct {
	receiver Receiver
	handler  Handler
	opts     Options
}

// New creates a consumer
func New(receiver Receiver, handler Handler, opts Options) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = 200 * time.Millisecond
	}
	if opts.MaxDequeueCount <= 0 {
		opts.MaxDequeueCount = 5
	}
	return &Consumer{
		receiver: receiver,
		handler:  handler,
		opts:     opts,
	}
}

// Run blocks until ctx is canceled and every worker has finished its current message
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("Starting consumer", "queue", c.receiver.Address(), "workers", c.opts.Workers)

	var wg sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.consume(ctx, worker)
		}(i)
	}
	wg.Wait()

	slog.Info("Stopped consumer", "queue", c.receiver.Address())
	return nil
}

func (c *Consumer) consume(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		handled, err := c.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, transport.ErrPoisonMessage) {
				slog.Warn("Skipping poison message", "queue", c.receiver.Address(), "worker", worker, "error", err)
			} else {
				slog.Error("Error receiving from queue", "queue", c.receiver.Address(), "worker", worker, "error", err)
			}
		}
		if handled {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.IdleBackoff):
		}
	}
}

// ProcessOne receives and settles at most one message.
// Reports whether a message was handled.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	tx := transaction.New()

	// Settlement must survive shutdown of the receive loop
	settleCtx := context.WithoutCancel(ctx)
	defer tx.Dispose(settleCtx)

	msg, err := c.receiver.Receive(ctx, tx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	handlerErr := c.invoke(ctx, msg)
	if handlerErr == nil {
		if err := tx.Complete(settleCtx); err != nil {
			slog.Error("Failed to complete message", "msgId", msg.MessageID(), "error", err)
		}
		return true, nil
	}

	if msg.DequeueCount >= c.opts.MaxDequeueCount {
		if err := c.receiver.DeadLetter(settleCtx, msg, handlerErr); err != nil {
			slog.Error("Failed to dead-letter message, leaving it for redelivery", "msgId", msg.MessageID(), "error", err)
			_ = tx.Abort(settleCtx)
			return true, nil
		}
		if err := tx.Complete(settleCtx); err != nil {
			slog.Error("Failed to remove dead-lettered message", "msgId", msg.MessageID(), "error", err)
		}
		return true, nil
	}

	slog.Warn("Handler failed, message will be redelivered",
		"msgId", msg.MessageID(),
		"dequeueCount", msg.DequeueCount,
		"maxDequeueCount", c.opts.MaxDequeueCount,
		"error", handlerErr)
	if err := tx.Abort(settleCtx); err != nil {
		slog.Error("Failed to abandon message", "msgId", msg.MessageID(), "error", err)
	}
	return true, nil
}

func (c *Consumer) invoke(ctx context.Context, msg *transport.ReceivedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}
