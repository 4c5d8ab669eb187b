package queueclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deliveryhero/asya/asya-leasequeue/internal/clock"
)

// MemoryClient is an in-process queue backend with peek-lock semantics.
// Visibility is evaluated against the injected clock, so tests can move time.
type MemoryClient struct {
	mu     sync.Mutex
	clock  clock.Clock
	queues map[string]*memoryQueue
	nextID int64
}

type memoryQueue struct {
	name     string
	messages []*memoryMessage
}

type memoryMessage struct {
	id           string
	payload      []byte
	attributes   map[string]string
	visibleAt    time.Time
	receipt      string
	dequeueCount int
}

// NewMemoryClient creates an empty in-memory backend
func NewMemoryClient(c clock.Clock) *MemoryClient {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryClient{
		clock:  c,
		queues: make(map[string]*memoryQueue),
	}
}

func memoryKey(queue string) string {
	return strings.ToLower(queue)
}

func (m *MemoryClient) queue(name string) (*memoryQueue, error) {
	q, ok := m.queues[memoryKey(name)]
	if !ok {
		return nil, fmt.Errorf("queue %s: %w", name, ErrQueueNotFound)
	}
	return q, nil
}

// Resolve returns the handle of an existing queue
func (m *MemoryClient) Resolve(ctx context.Context, queue string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(queue)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Name: q.name, URL: q.name}, nil
}

// CreateIfMissing creates the queue when absent
func (m *MemoryClient) CreateIfMissing(ctx context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey(queue)
	if _, ok := m.queues[key]; !ok {
		m.queues[key] = &memoryQueue{name: queue}
	}
	return nil
}

// DeleteQueue drops the queue and its messages
func (m *MemoryClient) DeleteQueue(ctx context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey(queue)
	if _, ok := m.queues[key]; !ok {
		return fmt.Errorf("queue %s: %w", queue, ErrQueueNotFound)
	}
	delete(m.queues, key)
	return nil
}

// ListQueues returns the names of queues starting with prefix, sorted
func (m *MemoryClient) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for key, q := range m.queues {
		if strings.HasPrefix(key, strings.ToLower(prefix)) {
			names = append(names, q.name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Enqueue appends a message that becomes visible after delay
func (m *MemoryClient) Enqueue(ctx context.Context, queue string, payload []byte, attributes map[string]string, delay time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(queue)
	if err != nil {
		return "", err
	}

	m.nextID++
	id := fmt.Sprintf("mem-%d", m.nextID)

	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}

	q.messages = append(q.messages, &memoryMessage{
		id:         id,
		payload:    append([]byte(nil), payload...),
		attributes: attrs,
		visibleAt:  m.clock.Now().Add(max(delay, 0)),
	})
	return id, nil
}

// Receive leases the oldest visible message
func (m *MemoryClient) Receive(ctx context.Context, queue string, visibility time.Duration) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(queue)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	for _, msg := range q.messages {
		if msg.visibleAt.After(now) {
			continue
		}

		msg.receipt = uuid.NewString()
		msg.visibleAt = now.Add(visibility)
		msg.dequeueCount++

		attrs := make(map[string]string, len(msg.attributes))
		for k, v := range msg.attributes {
			attrs[k] = v
		}

		return &Delivery{
			Queue:        q.name,
			MessageID:    msg.id,
			LockToken:    msg.receipt,
			Payload:      append([]byte(nil), msg.payload...),
			Attributes:   attrs,
			DequeueCount: msg.dequeueCount,
			ExpiresAt:    msg.visibleAt,
		}, nil
	}

	return nil, nil
}

// leased finds the message currently leased under lockToken
func (m *MemoryClient) leased(q *memoryQueue, lockToken string) (int, *memoryMessage) {
	now := m.clock.Now()
	for i, msg := range q.messages {
		if msg.receipt == lockToken && msg.visibleAt.After(now) {
			return i, msg
		}
	}
	return -1, nil
}

// Renew extends a live lease
func (m *MemoryClient) Renew(ctx context.Context, queue, lockToken string, timeout time.Duration) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(queue)
	if err != nil {
		return time.Time{}, err
	}

	_, msg := m.leased(q, lockToken)
	if msg == nil {
		return time.Time{}, fmt.Errorf("renew on %s: %w", queue, ErrLeaseNotFound)
	}

	msg.visibleAt = m.clock.Now().Add(timeout)
	if timeout <= 0 {
		msg.receipt = ""
	}
	return msg.visibleAt, nil
}

// Delete removes a leased message
func (m *MemoryClient) Delete(ctx context.Context, queue, lockToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(queue)
	if err != nil {
		return err
	}

	i, msg := m.leased(q, lockToken)
	if msg == nil {
		return fmt.Errorf("delete on %s: %w", queue, ErrLeaseNotFound)
	}

	q.messages = append(q.messages[:i], q.messages[i+1:]...)
	return nil
}

// Stats counts visible and invisible messages
func (m *MemoryClient) Stats(ctx context.Context, queue string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(queue)
	if err != nil {
		return Stats{}, err
	}

	now := m.clock.Now()
	var stats Stats
	for _, msg := range q.messages {
		if msg.visibleAt.After(now) {
			stats.InFlight++
		} else {
			stats.Queued++
		}
	}
	return stats, nil
}

// Close is a no-op
func (m *MemoryClient) Close() error {
	return nil
}
