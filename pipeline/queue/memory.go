package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Options configures the in-memory broker.
type Options struct {
	VisibilityTimeout time.Duration // redelivery delay for unacked messages
	MaxReceiveCount   int           // deliveries before automatic dead-lettering
	DedupWindow       time.Duration // window in which DeduplicationID suppresses enqueues
}

// DefaultOptions returns production-shaped defaults.
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: 30 * time.Second,
		MaxReceiveCount:   3,
		DedupWindow:       5 * time.Minute,
	}
}

type inflight struct {
	message  *Message
	deadline time.Time
}

// Broker is an in-memory Queue with FIFO-per-group delivery, visibility
// timeout, enqueue deduplication, and a dead-letter store. It serializes
// each group: while one message of a group is in flight, the rest of that
// group waits, so concurrent consumers still see per-concept order.
type Broker struct {
	mu sync.Mutex

	groups      map[string]*list.List // pending messages per group, FIFO
	groupOrder  []string              // round-robin scan order over groups
	busyGroups  map[string]bool       // groups with a message in flight
	inflights   map[string]*inflight  // by message ID
	dedup       map[string]time.Time  // DeduplicationID -> enqueue time
	deadLetters []*DeadLetter

	notify chan struct{}
	opts   Options
}

// NewBroker creates an empty in-memory broker.
func NewBroker(opts Options) *Broker {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.MaxReceiveCount <= 0 {
		opts.MaxReceiveCount = 3
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Minute
	}
	return &Broker{
		groups:     make(map[string]*list.List),
		busyGroups: make(map[string]bool),
		inflights:  make(map[string]*inflight),
		dedup:      make(map[string]time.Time),
		notify:     make(chan struct{}, 1),
		opts:       opts,
	}
}

func (b *Broker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Enqueue adds messages. Messages whose DeduplicationID was seen within
// the dedup window are silently dropped, as a FIFO broker would.
func (b *Broker) Enqueue(_ context.Context, messages ...*Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	// Entries past the window no longer suppress anything; drop them so
	// the dedup index stays bounded by the window, not by total traffic.
	for id, seen := range b.dedup {
		if now.Sub(seen) >= b.opts.DedupWindow {
			delete(b.dedup, id)
		}
	}
	for _, message := range messages {
		if message.GroupID == "" {
			return errors.New("message requires a group id")
		}
		if message.DeduplicationID != "" {
			if seen, ok := b.dedup[message.DeduplicationID]; ok && now.Sub(seen) < b.opts.DedupWindow {
				continue
			}
			b.dedup[message.DeduplicationID] = now
		}
		if message.ID == "" {
			message.ID = uuid.NewString()
		}

		pending, ok := b.groups[message.GroupID]
		if !ok {
			pending = list.New()
			b.groups[message.GroupID] = pending
			b.groupOrder = append(b.groupOrder, message.GroupID)
		}
		pending.PushBack(message)
	}

	b.wake()
	return nil
}

// Receive blocks until at least one message is deliverable or ctx is
// done. At most one message per group is in flight at any time.
func (b *Broker) Receive(ctx context.Context, batchSize int) ([]*Message, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	for {
		b.mu.Lock()
		b.requeueExpiredLocked()
		batch := b.takeLocked(batchSize)
		b.mu.Unlock()

		if len(batch) > 0 {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		case <-time.After(50 * time.Millisecond):
			// Wake periodically so visibility expiries are noticed.
		}
	}
}

func (b *Broker) takeLocked(batchSize int) []*Message {
	batch := []*Message{}
	now := time.Now()
	for _, groupID := range b.groupOrder {
		if len(batch) >= batchSize {
			break
		}
		if b.busyGroups[groupID] {
			continue
		}
		pending := b.groups[groupID]
		front := pending.Front()
		if front == nil {
			continue
		}
		message := pending.Remove(front).(*Message)
		message.ReceiveCount++
		b.busyGroups[groupID] = true
		b.inflights[message.ID] = &inflight{
			message:  message,
			deadline: now.Add(b.opts.VisibilityTimeout),
		}
		batch = append(batch, message)
	}
	return batch
}

// requeueExpiredLocked puts timed-out in-flight messages back at the head
// of their group for redelivery, dead-lettering those out of attempts.
func (b *Broker) requeueExpiredLocked() {
	now := time.Now()
	for id, entry := range b.inflights {
		if now.Before(entry.deadline) {
			continue
		}
		delete(b.inflights, id)
		delete(b.busyGroups, entry.message.GroupID)
		if entry.message.ReceiveCount >= b.opts.MaxReceiveCount {
			b.deadLetters = append(b.deadLetters, &DeadLetter{
				Message: entry.message,
				Reason:  "receive count exhausted",
				At:      now,
			})
			continue
		}
		b.groups[entry.message.GroupID].PushFront(entry.message)
	}
}

// Ack completes a message and releases its group.
func (b *Broker) Ack(_ context.Context, message *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inflights[message.ID]; !ok {
		return errors.Errorf("message %s is not in flight", message.ID)
	}
	delete(b.inflights, message.ID)
	delete(b.busyGroups, message.GroupID)
	b.wake()
	return nil
}

// Nack returns a message for redelivery at the head of its group, or
// dead-letters it when its receive count is exhausted.
func (b *Broker) Nack(_ context.Context, message *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inflights[message.ID]; !ok {
		return errors.Errorf("message %s is not in flight", message.ID)
	}
	delete(b.inflights, message.ID)
	delete(b.busyGroups, message.GroupID)

	if message.ReceiveCount >= b.opts.MaxReceiveCount {
		b.deadLetters = append(b.deadLetters, &DeadLetter{
			Message: message,
			Reason:  "receive count exhausted",
			At:      time.Now(),
		})
	} else {
		b.groups[message.GroupID].PushFront(message)
	}
	b.wake()
	return nil
}

// Extend pushes a message's visibility deadline out by d.
func (b *Broker) Extend(_ context.Context, message *Message, d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.inflights[message.ID]
	if !ok {
		return errors.Errorf("message %s is not in flight", message.ID)
	}
	entry.deadline = time.Now().Add(d)
	return nil
}

// DeadLetter removes a message from circulation immediately, preserving
// its payload and the failure reason.
func (b *Broker) DeadLetter(_ context.Context, message *Message, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inflights[message.ID]; !ok {
		return errors.Errorf("message %s is not in flight", message.ID)
	}
	delete(b.inflights, message.ID)
	delete(b.busyGroups, message.GroupID)
	b.deadLetters = append(b.deadLetters, &DeadLetter{
		Message: message,
		Reason:  reason,
		At:      time.Now(),
	})
	b.wake()
	return nil
}

// DeadLetters returns a snapshot of the dead-letter store.
func (b *Broker) DeadLetters() []*DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*DeadLetter(nil), b.deadLetters...)
}

// Depth returns the number of pending (not in-flight) messages.
func (b *Broker) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	depth := 0
	for _, pending := range b.groups {
		depth += pending.Len()
	}
	return depth
}
