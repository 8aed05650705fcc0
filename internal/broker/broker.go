// Package broker implements the single-process pub/sub bus that moves
// envelopes between nodes, plus the thin per-node Client handle over it.
//
// Topics are exact strings of the form "{mesh_id}#{node_id}". Delivery is
// best effort: each subscriber drains its own queue on its own goroutine, so
// a slow consumer never blocks the dispatch loop or other subscribers.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/renjiyun06/mosaic-sub001/internal/event"
)

// ErrStopped is returned by Publish when the broker is not running.
var ErrStopped = errors.New("broker stopped")

// Handler receives envelopes delivered on a subscribed topic. Handlers run on
// the subscription's forwarding goroutine and must hand off before touching
// state owned by another goroutine.
type Handler func(env *event.Envelope)

// Sink receives every successfully distributed envelope for write-behind
// persistence. It must not block; failures are the sink's problem.
type Sink func(topic string, env *event.Envelope)

const (
	ingressCapacity    = 1024
	subscriberCapacity = 256
)

type delivery struct {
	topic string
	env   *event.Envelope
}

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id      string
	topic   string
	handler Handler
	queue   chan *event.Envelope
}

// Broker is the process-wide in-memory pub/sub bus.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription
	ingress chan delivery
	done    chan struct{}
	running bool
	sink    Sink
	wg      sync.WaitGroup
}

// New creates a stopped broker. sink may be nil.
func New(sink Sink) *Broker {
	return &Broker{
		subs:    make(map[string][]*Subscription),
		ingress: make(chan delivery, ingressCapacity),
		done:    make(chan struct{}),
		sink:    sink,
	}
}

// Start launches the distribution loop.
func (b *Broker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.wg.Add(1)
	go b.dispatch()
	slog.Info("broker started")
}

// Stop shuts the broker down. In-flight deliveries already handed to
// subscriber queues may still complete.
func (b *Broker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.done)
	subs := b.subs
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	// The map swap under the write lock makes these subscriptions unreachable
	// to distribute, so closing the queues here cannot race a send.
	for _, list := range subs {
		for _, sub := range list {
			close(sub.queue)
		}
	}
	b.wg.Wait()
	slog.Info("broker stopped")
}

// Publish enqueues env for distribution to subscribers of topic. It may
// suspend on ingress capacity but gives no back-pressure guarantee beyond
// that. Fails with ErrStopped when the broker is not running.
func (b *Broker) Publish(ctx context.Context, topic string, env *event.Envelope) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return ErrStopped
	}
	select {
	case b.ingress <- delivery{topic: topic, env: env}:
		return nil
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for exact-match deliveries on topic. Each
// envelope is delivered at most once per subscription, in publish order for
// envelopes enqueued by the same caller on the same topic.
func (b *Broker) Subscribe(topic string, handler Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil, ErrStopped
	}
	sub := &Subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		queue:   make(chan *event.Envelope, subscriberCapacity),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.wg.Add(1)
	go b.forward(sub)
	slog.Debug("broker subscribed", "topic", topic, "sub", sub.id)
	return sub, nil
}

// Unsubscribe removes sub. Deliveries already queued to it may still invoke
// the handler before the forwarding goroutine drains out.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			close(sub.queue)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
	b.mu.Unlock()
	slog.Debug("broker unsubscribed", "topic", sub.topic, "sub", sub.id)
}

func (b *Broker) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case d := <-b.ingress:
			b.distribute(d)
		}
	}
}

func (b *Broker) distribute(d delivery) {
	// The read lock must span the sends: Unsubscribe and Stop close subscriber
	// queues only after taking the write lock, so no close can land between
	// reading the list and sending on a queue. The sends are non-blocking, so
	// holding the lock here never stalls.
	b.mu.RLock()
	list := b.subs[d.topic]
	for _, sub := range list {
		select {
		case sub.queue <- d.env:
		default:
			// Slow consumer: best-effort delivery drops rather than blocking
			// the dispatch loop.
			slog.Warn("broker dropped envelope, subscriber queue full",
				"topic", d.topic, "sub", sub.id, "event", d.env.EventID)
		}
	}
	delivered := len(list) > 0
	b.mu.RUnlock()

	if b.sink != nil && delivered {
		b.sink(d.topic, d.env)
	}
}

// forward drains one subscription's queue, shielding the rest of the system
// from handler panics.
func (b *Broker) forward(sub *Subscription) {
	defer b.wg.Done()
	for env := range sub.queue {
		b.invoke(sub, env)
	}
}

func (b *Broker) invoke(sub *Subscription, env *event.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("broker subscriber panicked",
				"topic", sub.topic, "sub", sub.id, "panic", r)
		}
	}()
	sub.handler(env)
}
