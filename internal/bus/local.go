package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalBus is an in-memory Bus. Suitable for single-process deployments and
// tests; use RedisBus for multi-pod.
type LocalBus struct {
	mu     sync.RWMutex
	subs   []*localSub
	nextID int
	closed bool
}

type localSub struct {
	id      int
	pattern string
	group   string // empty for plain subscriptions
	handler Handler
}

// NewLocalBus creates a new in-memory bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Publish fans the message out to all matching subscribers. Within a queue
// group, one member is picked round-robin by message count.
func (b *LocalBus) Publish(ctx context.Context, subject string, data []byte) error {
	return b.deliver(ctx, &Msg{ID: uuid.New().String(), Subject: subject, Data: data})
}

func (b *LocalBus) deliver(ctx context.Context, msg *Msg) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var plain []*localSub
	groups := make(map[string][]*localSub)
	for _, s := range b.subs {
		if !SubjectMatches(s.pattern, msg.Subject) {
			continue
		}
		if s.group == "" {
			plain = append(plain, s)
		} else {
			groups[s.group] = append(groups[s.group], s)
		}
	}
	b.mu.RUnlock()

	for _, s := range plain {
		h := s.handler
		go h(ctx, msg)
	}
	for _, members := range groups {
		// Stable pick keyed by message id keeps distribution even without
		// shared counters.
		h := members[pick(msg.ID, len(members))].handler
		go h(ctx, msg)
	}
	return nil
}

func pick(id string, n int) int {
	var sum int
	for _, c := range id {
		sum += int(c)
	}
	return sum % n
}

// Subscribe registers a handler for a subject pattern.
func (b *LocalBus) Subscribe(pattern string, handler Handler) (func(), error) {
	return b.add(pattern, "", handler)
}

// QueueSubscribe registers a handler within a queue group.
func (b *LocalBus) QueueSubscribe(pattern, group string, handler Handler) (func(), error) {
	return b.add(pattern, group, handler)
}

func (b *LocalBus) add(pattern, group string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, &localSub{id: id, pattern: pattern, group: group, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}, nil
}

// Request publishes and waits for one reply on a private inbox.
func (b *LocalBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	inbox := "_INBOX." + uuid.New().String()
	replyCh := make(chan []byte, 1)
	unsub, err := b.Subscribe(inbox, func(_ context.Context, msg *Msg) {
		select {
		case replyCh <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsub()

	if err := b.deliver(ctx, &Msg{ID: uuid.New().String(), Subject: subject, Reply: inbox, Data: data}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the bus.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}
