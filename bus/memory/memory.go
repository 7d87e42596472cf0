// Package memory provides an in-process bus.
//
// Messages published on a subject queue until a subscriber takes them.
// Several subscribers on one subject compete for messages, like members of a
// consumer group. The bus can hold messages back and release them shuffled
// and duplicated, reproducing the delivery behavior of a real broker.
package memory

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/pithecene-io/ferry/bus"
)

// Options configures delivery behavior.
type Options struct {
	// Hold keeps published messages back until Flush is called.
	Hold bool
	// Shuffle releases held messages in random order on Flush.
	Shuffle bool
	// DuplicateRate is the probability in [0, 1] that a message is delivered
	// twice.
	DuplicateRate float64
	// Seed seeds the shuffle and duplication source. Zero uses a fixed seed.
	Seed uint64
}

type topic struct {
	queue  []*bus.Message
	held   []*bus.Message
	notify chan struct{}
}

// Bus is an in-process bus.Bus. Safe for concurrent use.
type Bus struct {
	opts Options

	mu        sync.Mutex
	topics    map[string]*topic
	published map[string][]*bus.Message
	rng       *rand.Rand
	closed    bool
	done      chan struct{}

	acked atomic.Int64
}

// New creates an in-process bus.
func New(opts Options) *Bus {
	return &Bus{
		opts:      opts,
		topics:    make(map[string]*topic),
		published: make(map[string][]*bus.Message),
		rng:       rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		done:      make(chan struct{}),
	}
}

var _ bus.Bus = (*Bus)(nil)

func (b *Bus) topicLocked(subject string) *topic {
	t, ok := b.topics[subject]
	if !ok {
		t = &topic{notify: make(chan struct{}, 1)}
		b.topics[subject] = t
	}
	return t
}

// Publish queues a message. Headers and payload are copied.
func (b *Bus) Publish(ctx context.Context, subject string, headers bus.Headers, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}

	msg := b.newMessage(subject, headers, payload)
	b.published[subject] = append(b.published[subject], msg)

	t := b.topicLocked(subject)
	if b.opts.Hold {
		t.held = append(t.held, msg)
		return nil
	}
	b.enqueueLocked(t, msg)
	return nil
}

func (b *Bus) newMessage(subject string, headers bus.Headers, payload []byte) *bus.Message {
	body := make([]byte, len(payload))
	copy(body, payload)
	return bus.NewMessage(subject, headers.Clone(), body, func(context.Context) error {
		b.acked.Add(1)
		return nil
	})
}

func (b *Bus) enqueueLocked(t *topic, msg *bus.Message) {
	t.queue = append(t.queue, msg)
	if b.opts.DuplicateRate > 0 && b.rng.Float64() < b.opts.DuplicateRate {
		t.queue = append(t.queue, b.newMessage(msg.Subject, msg.Headers, msg.Payload))
	}
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Flush releases held messages on every subject, shuffled when configured.
func (b *Bus) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		held := t.held
		t.held = nil
		if b.opts.Shuffle {
			b.rng.Shuffle(len(held), func(i, j int) { held[i], held[j] = held[j], held[i] })
		}
		for _, msg := range held {
			b.enqueueLocked(t, msg)
		}
	}
}

// Subscribe delivers messages on subject to handler until ctx is done or the
// bus is closed. A message is acked when handler returns nil; otherwise it is
// dropped.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler bus.Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	t := b.topicLocked(subject)
	b.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg := b.pop(t)
		if msg == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-b.done:
				return bus.ErrClosed
			case <-t.notify:
			}
			continue
		}
		if err := handler(ctx, msg); err != nil {
			continue
		}
		if err := msg.Ack(ctx); err != nil {
			return err
		}
	}
}

func (b *Bus) pop(t *topic) *bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	msg := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	if len(t.queue) > 0 {
		// Wake another waiter; notify holds at most one token.
		select {
		case t.notify <- struct{}{}:
		default:
		}
	}
	return msg
}

// Published returns every message published on subject, in publish order.
func (b *Bus) Published(subject string) []*bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*bus.Message, len(b.published[subject]))
	copy(out, b.published[subject])
	return out
}

// Pending returns the number of queued, undelivered messages on subject.
func (b *Bus) Pending(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[subject]
	if !ok {
		return 0
	}
	return len(t.queue) + len(t.held)
}

// Acked returns the number of acknowledged deliveries.
func (b *Bus) Acked() int64 {
	return b.acked.Load()
}

// Close stops all subscribers. Further publishes fail with bus.ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
