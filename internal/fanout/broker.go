// ABOUTME: Broker contract for cross-instance fan-out plus an in-process implementation
// ABOUTME: MemoryHub links several brokers in one process, standing in for Redis pub/sub

package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrBrokerUnavailable indicates the broker could not be reached.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// ErrBrokerClosed is returned by operations on a closed broker.
var ErrBrokerClosed = errors.New("broker closed")

// Broker is a pattern publish/subscribe transport between relay instances.
type Broker interface {
	// Publish sends payload on channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns payloads for channels matching pattern (a prefix
	// followed by "*"). The channel closes when ctx ends or the broker closes.
	Subscribe(ctx context.Context, pattern string) (<-chan []byte, error)
	Close() error
}

const subscriptionBuffer = 256

// MemoryHub connects MemoryBrokers created from it, as one Redis server
// connects several clients.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[*memorySub]struct{}
}

type memorySub struct {
	prefix string
	ch     chan []byte
	owner  *MemoryBroker
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*memorySub]struct{})}
}

// Broker returns a new broker attached to the hub.
func (h *MemoryHub) Broker() *MemoryBroker {
	return &MemoryBroker{hub: h}
}

func (h *MemoryHub) publish(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !strings.HasPrefix(channel, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- append([]byte(nil), payload...):
		default:
		}
	}
}

func (h *MemoryHub) remove(sub *memorySub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// MemoryBroker is a Broker backed by a MemoryHub.
type MemoryBroker struct {
	hub *MemoryHub

	mu     sync.Mutex
	closed bool
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBrokerClosed
	}
	b.hub.publish(channel, payload)
	return nil
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(ctx context.Context, pattern string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	sub := &memorySub{
		prefix: strings.TrimSuffix(pattern, "*"),
		ch:     make(chan []byte, subscriptionBuffer),
		owner:  b,
	}
	b.hub.mu.Lock()
	b.hub.subs[sub] = struct{}{}
	b.hub.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.hub.remove(sub)
	}()
	return sub.ch, nil
}

// Close implements Broker. Subscriptions opened by this broker end.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.hub.mu.RLock()
	var owned []*memorySub
	for sub := range b.hub.subs {
		if sub.owner == b {
			owned = append(owned, sub)
		}
	}
	b.hub.mu.RUnlock()

	for _, sub := range owned {
		b.hub.remove(sub)
	}
	return nil
}
