// Package membroker implements broker.Broker purely in memory, with no
// external dependencies. It is a direct generalization of the teacher's
// framework/event/memory.go: subjects are matched against subscriber
// patterns using the same "." separated "*"/"#" wildcard rules, delivery
// happens in panic-recovering goroutines, and Close stops further
// publishing and subscribing.
package membroker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/studiolambda/relay/broker"
	"github.com/studiolambda/relay/envelope"
)

// ErrClosed is returned by Broker operations once Close has been called.
var ErrClosed = errors.New("relay: broker is closed")

// Broker is an in-memory, single-process implementation of broker.Broker.
// It is production-usable for single-instance deployments and is the
// workhorse behind the package tests for scheduler and dispatch.
type Broker struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]chan envelope.Payload

	nextID   atomic.Uint64
	isClosed atomic.Bool

	wg sync.WaitGroup
}

// New creates a ready-to-use in-memory broker.
func New() *Broker {
	return &Broker{handlers: make(map[string]map[uint64]chan envelope.Payload)}
}

// subscribe registers a delivery channel for every subject published
// under the given pattern, returning an unsubscribe function.
func (b *Broker) subscribe(pattern string) (<-chan envelope.Payload, func(), error) {
	if b.isClosed.Load() {
		return nil, nil, ErrClosed
	}

	id := b.nextID.Add(1)
	ch := make(chan envelope.Payload, 64)

	b.mu.Lock()
	if b.handlers[pattern] == nil {
		b.handlers[pattern] = make(map[uint64]chan envelope.Payload)
	}
	b.handlers[pattern][id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if patternHandlers, ok := b.handlers[pattern]; ok {
			delete(patternHandlers, id)

			if len(patternHandlers) == 0 {
				delete(b.handlers, pattern)
			}
		}
	}

	return ch, unsubscribe, nil
}

// publish fans a payload out to every subscription whose pattern matches
// its subject.
func (b *Broker) publish(payload envelope.Payload) error {
	if b.isClosed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for pattern, handlers := range b.handlers {
		if !matchSubject(pattern, payload.Subject) {
			continue
		}

		for _, ch := range handlers {
			b.wg.Add(1)

			go b.deliver(ch, payload)
		}
	}

	return nil
}

func (b *Broker) deliver(ch chan envelope.Payload, payload envelope.Payload) {
	defer b.wg.Done()
	defer func() {
		_ = recover()
	}()

	ch <- payload
}

// SendPayloadStream implements broker.Broker.
func (b *Broker) SendPayloadStream(ctx context.Context, payloadCh <-chan envelope.Payload, confirmedCh chan<- envelope.Payload) error {
	defer close(confirmedCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-payloadCh:
			if !ok {
				return nil
			}

			if err := b.publish(payload); err != nil {
				return err
			}

			select {
			case confirmedCh <- payload:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// message is the broker.Message implementation handed to consumers.
type message struct {
	payload envelope.Payload
	once    sync.Once
}

func (m *message) Payload() envelope.Payload { return m.payload }
func (m *message) Acknowledge()              { m.once.Do(func() {}) }

// Receive implements broker.Broker by subscribing to every subject ("#").
func (b *Broker) Receive(ctx context.Context) (<-chan broker.Message, error) {
	payloadCh, unsubscribe, err := b.subscribe("#")
	if err != nil {
		return nil, err
	}

	out := make(chan broker.Message)

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-payloadCh:
				if !ok {
					return
				}

				select {
				case out <- &message{payload: payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close marks the broker closed and waits for in-flight deliveries to
// finish. Afterwards Receive returns ErrClosed, and SendPayloadStream
// returns ErrClosed on the next payload it reads. Message streams already
// returned by Receive are not closed; they end when their ctx is
// cancelled.
func (b *Broker) Close() error {
	b.isClosed.Store(true)
	b.wg.Wait()

	return nil
}

var _ broker.Broker = (*Broker)(nil)

// matchSubject checks a subscription pattern against an event subject
// using "." separated tokens, where "*" matches exactly one token and "#"
// matches zero or more.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	return matchParts(strings.Split(pattern, "."), strings.Split(subject, "."))
}

func matchParts(pattern, subject []string) bool {
	if len(pattern) == 0 {
		return len(subject) == 0
	}

	if pattern[0] == "#" {
		return true
	}

	if len(subject) == 0 {
		return false
	}

	if pattern[0] == "*" || pattern[0] == subject[0] {
		return matchParts(pattern[1:], subject[1:])
	}

	return false
}
