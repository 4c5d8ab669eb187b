package queueclient

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTransient marks network or throttling failures that survived the backend's own retries
	ErrTransient = errors.New("transient backend fault")

	// ErrLeaseNotFound means the lock token no longer refers to a leased message:
	// the lease expired, the message was deleted, or another receiver owns it now
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrQueueNotFound means the physical queue does not exist
	ErrQueueNotFound = errors.New("queue not found")
)

// Handle identifies a resolved physical queue
type Handle struct {
	Name string
	URL  string // backend-specific locator, equal to Name for backends without one
}

// Delivery is a message leased from a queue
type Delivery struct {
	Queue        string
	MessageID    string // backend-assigned message ID
	LockToken    string // per-delivery receipt, changes on every redelivery
	Payload      []byte
	Attributes   map[string]string
	DequeueCount int
	ExpiresAt    time.Time
}

// Stats holds approximate queue depth figures
type Stats struct {
	Queued   int64 // visible messages
	InFlight int64 // leased or delayed messages
}

// Client is the queue storage backend used by the transport.
// All methods are network calls and must honour ctx cancellation.
type Client interface {
	// Resolve returns the handle for a queue, caching by case-insensitive name
	Resolve(ctx context.Context, queue string) (Handle, error)

	// CreateIfMissing creates the queue when it does not exist
	CreateIfMissing(ctx context.Context, queue string) error

	// DeleteQueue removes the queue and all its messages
	DeleteQueue(ctx context.Context, queue string) error

	// ListQueues returns queue names starting with prefix
	ListQueues(ctx context.Context, prefix string) ([]string, error)

	// Enqueue stores a message that becomes visible after delay
	Enqueue(ctx context.Context, queue string, payload []byte, attributes map[string]string, delay time.Duration) (string, error)

	// Receive leases one visible message for visibility. Returns nil, nil when the queue is empty.
	Receive(ctx context.Context, queue string, visibility time.Duration) (*Delivery, error)

	// Renew sets the lease of lockToken to expire timeout from now and returns the new expiry
	Renew(ctx context.Context, queue, lockToken string, timeout time.Duration) (time.Time, error)

	// Delete removes a leased message
	Delete(ctx context.Context, queue, lockToken string) error

	// Stats returns approximate queue depth
	Stats(ctx context.Context, queue string) (Stats, error)

	// Close releases backend resources
	Close() error
}

// IsLeaseNotFound reports whether err means the lease is gone
func IsLeaseNotFound(err error) bool {
	return errors.Is(err, ErrLeaseNotFound)
}

// IsQueueNotFound reports whether err means the queue does not exist
func IsQueueNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound)
}
