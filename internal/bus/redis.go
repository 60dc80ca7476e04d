// Redis-backed Bus for cross-pod message distribution.
//
// Subjects map to Redis Pub/Sub channels under a configurable prefix.
// Queue-group semantics are layered on top: every group member receives the
// channel message, and a SETNX claim keyed by (group, message id) decides
// which single member handles it. Claims expire so a crashed claimant does
// not leak keys.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RedisClient is the minimal Redis surface the bus needs. Any driver
// (go-redis, redigo) can satisfy it; cmd/ wiring injects the concrete
// adapter from internal/infra.
type RedisClient interface {
	// Publish sends a message to a Redis channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// PSubscribe registers a callback for messages on a channel pattern
	// (Redis glob syntax). Returns an unsubscribe function.
	PSubscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (unsubscribe func(), err error)

	// SetNX sets a key only if it does not exist. Used for queue-group
	// message claims.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

const claimTTL = time.Minute

// RedisBus distributes messages across pods using Redis Pub/Sub.
type RedisBus struct {
	mu       sync.Mutex
	client   RedisClient
	prefix   string // channel prefix, e.g. "bb:bus:"
	unsubs   []func()
	closed   bool
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(client RedisClient, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "bb:bus:"
	}
	return &RedisBus{client: client, prefix: channelPrefix}
}

// Publish sends a message on a subject. Delivery is asynchronous.
func (b *RedisBus) Publish(ctx context.Context, subject string, data []byte) error {
	return b.publish(ctx, &Msg{ID: uuid.New().String(), Subject: subject, Data: data})
}

func (b *RedisBus) publish(ctx context.Context, msg *Msg) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+msg.Subject, payload); err != nil {
		return fmt.Errorf("redis publish %s: %w", msg.Subject, err)
	}
	return nil
}

// redisPattern converts a subject pattern to Redis glob syntax. Redis "*"
// matches across dots, so deliveries are re-checked with SubjectMatches.
func redisPattern(prefix, pattern string) string {
	glob := strings.ReplaceAll(pattern, ">", "*")
	return prefix + glob
}

// Subscribe registers a handler for a subject pattern.
func (b *RedisBus) Subscribe(pattern string, handler Handler) (func(), error) {
	return b.subscribe(pattern, "", handler)
}

// QueueSubscribe registers a handler within a queue group. Exactly one group
// member across all pods handles each message.
func (b *RedisBus) QueueSubscribe(pattern, group string, handler Handler) (func(), error) {
	if group == "" {
		return nil, fmt.Errorf("queue group must be non-empty")
	}
	return b.subscribe(pattern, group, handler)
}

func (b *RedisBus) subscribe(pattern, group string, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	unsub, err := b.client.PSubscribe(context.Background(), redisPattern(b.prefix, pattern), func(_ string, payload []byte) {
		var msg Msg
		if err := json.Unmarshal(payload, &msg); err != nil {
			slog.Warn("[RedisBus] Failed to unmarshal message", "error", err)
			return
		}
		if !SubjectMatches(pattern, msg.Subject) {
			return
		}
		ctx := context.Background()
		if group != "" {
			won, err := b.client.SetNX(ctx, b.prefix+"claim:"+group+":"+msg.ID, []byte("1"), claimTTL)
			if err != nil {
				slog.Warn("[RedisBus] Claim failed, handling anyway", "group", group, "error", err)
			} else if !won {
				return // another group member took it
			}
		}
		go handler(ctx, &msg)
	})
	if err != nil {
		return nil, fmt.Errorf("redis subscribe %s: %w", pattern, err)
	}

	b.mu.Lock()
	b.unsubs = append(b.unsubs, unsub)
	b.mu.Unlock()
	return unsub, nil
}

// Request publishes and waits for one reply on a private inbox subject.
func (b *RedisBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
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

	if err := b.publish(ctx, &Msg{ID: uuid.New().String(), Subject: subject, Reply: inbox, Data: data}); err != nil {
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

// Close shuts down all Redis subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	slog.Info("[RedisBus] Closed")
	return nil
}
