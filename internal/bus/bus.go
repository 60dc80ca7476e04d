// Package bus provides the message fabric shared by every Body Broker
// service: plain publish/subscribe on dot-separated subjects, queue-group
// subscriptions with competing-consumer semantics, and request/reply.
//
// Two implementations ship: LocalBus (in-process, for tests and single-pod
// runs) and RedisBus (cross-pod, backed by Redis Pub/Sub). Services depend
// only on the Bus interface; cmd/ wiring picks the concrete one.
package bus

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Msg is one message in flight. Reply is set on request/reply traffic and
// names the inbox subject the responder should publish to.
type Msg struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Reply   string `json:"reply,omitempty"`
	Data    []byte `json:"data"`
}

// Handler processes a delivered message. Handlers must not block the
// subscription; long work belongs on a worker pool.
type Handler func(ctx context.Context, msg *Msg)

// Common errors.
var (
	ErrClosed  = errors.New("bus is closed")
	ErrTimeout = errors.New("request timed out")
)

// Bus is the pub/sub fabric consumed by every service.
//
// Subjects are dot-separated tokens. Subscription patterns may use the
// wildcards "*" (exactly one token) and ">" (one or more trailing tokens).
type Bus interface {
	// Publish sends data on a subject. Delivery is asynchronous.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for a subject pattern.
	// Returns an unsubscribe function.
	Subscribe(pattern string, handler Handler) (unsubscribe func(), err error)

	// QueueSubscribe registers a handler within a queue group. Each message
	// matching the pattern is delivered to exactly one member of the group.
	QueueSubscribe(pattern, group string, handler Handler) (unsubscribe func(), err error)

	// Request publishes data and waits for a single reply on a private
	// inbox subject, up to timeout.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// SubjectMatches reports whether a concrete subject matches a subscription
// pattern. "*" matches exactly one token, ">" matches the remainder.
func SubjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
