// ABOUTME: Client-side durable outbox that retransmits until the relay acknowledges
// ABOUTME: Entries are persisted before sending and removed only by a matching ack

package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MetaSessionToken is the Meta key holding the visitor's session token.
const MetaSessionToken = "session_token"

// ErrEmptyContent is returned by Submit for blank messages.
var ErrEmptyContent = errors.New("empty message")

// Transmitter writes an entry to the relay. It reports an error when the
// entry could not be handed to the connection.
type Transmitter interface {
	Transmit(ctx context.Context, e Entry) error
}

// Options configures an Outbox.
type Options struct {
	// OnRender is called once per submitted entry, before any transmit.
	OnRender func(Entry)
	Logger   *slog.Logger
	Now      func() time.Time
}

// Outbox queues messages durably and resends them on every reconnect.
type Outbox struct {
	store    Store
	tx       Transmitter
	onRender func(Entry)
	logger   *slog.Logger
	now      func() time.Time

	// mu serializes transmissions so replays keep creation order.
	mu        sync.Mutex
	connected bool
}

// New creates an outbox over st that transmits through tx.
func New(st Store, tx Transmitter, opts Options) *Outbox {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Outbox{
		store:    st,
		tx:       tx,
		onRender: opts.OnRender,
		logger:   logger.With("component", "outbox"),
		now:      now,
	}
}

// Submit persists a new message, renders it, and sends it if connected.
// The returned entry is stored even when the transmit fails.
func (o *Outbox) Submit(ctx context.Context, content, pageURL string) (Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Entry{}, ErrEmptyContent
	}

	e := Entry{
		IdempotencyKey: "msg_" + uuid.New().String(),
		Content:        content,
		PageURL:        pageURL,
		CreatedAt:      o.now(),
	}
	if err := o.store.Put(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("persisting message: %w", err)
	}

	if o.onRender != nil {
		o.onRender(e)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.connected {
		o.transmitLocked(ctx, e)
	}
	return e, nil
}

// Connected marks the connection up and resends every stored entry, oldest
// first, under its original key.
func (o *Outbox) Connected(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected = true

	entries, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing pending messages: %w", err)
	}
	if len(entries) > 0 {
		o.logger.Info("retransmitting pending messages", "count", len(entries))
	}
	for _, e := range entries {
		if !o.connected {
			break
		}
		o.transmitLocked(ctx, e)
	}
	return nil
}

// Disconnected stops transmissions until the next Connected.
func (o *Outbox) Disconnected() {
	o.mu.Lock()
	o.connected = false
	o.mu.Unlock()
}

// transmitLocked sends e and records the attempt. A failed write marks the
// outbox disconnected; the entry stays stored for the next replay.
func (o *Outbox) transmitLocked(ctx context.Context, e Entry) {
	e.Attempts++
	if err := o.tx.Transmit(ctx, e); err != nil {
		o.logger.Warn("transmit failed", "idempotency_key", e.IdempotencyKey, "error", err)
		e.LastError = err.Error()
		o.connected = false
	}
	if err := o.store.Update(ctx, e); err != nil {
		o.logger.Warn("recording attempt failed", "idempotency_key", e.IdempotencyKey, "error", err)
	}
}

// Retry resends the entry with key if it is still stored and the outbox is
// connected. Otherwise it does nothing and the next Connected replays it.
func (o *Outbox) Retry(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.connected {
		return nil
	}

	e, err := o.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading %s: %w", key, err)
	}
	o.transmitLocked(ctx, e)
	return nil
}

// Ack removes the entry with key. Unknown keys are ignored.
func (o *Outbox) Ack(ctx context.Context, key string) error {
	if err := o.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("evicting %s: %w", key, err)
	}
	return nil
}

// Reject records reason on the entry with key. The entry stays stored and is
// resent on the next reconnect or Retry.
func (o *Outbox) Reject(ctx context.Context, key, reason string) error {
	e, err := o.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e.LastError = reason
	if err := o.store.Update(ctx, e); err != nil {
		return fmt.Errorf("recording rejection: %w", err)
	}
	return nil
}

// Pending returns the unacknowledged entries in creation order.
func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	return o.store.List(ctx)
}

// SessionToken returns the persisted visitor session token, creating one on
// first use.
func (o *Outbox) SessionToken(ctx context.Context) (string, error) {
	token, err := o.store.GetMeta(ctx, MetaSessionToken)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	token = "v_" + uuid.New().String()
	if err := o.store.SetMeta(ctx, MetaSessionToken, token); err != nil {
		return "", err
	}
	return token, nil
}
