// ABOUTME: Fan-out bus delivering outbound events to registry groups on every relay instance
// ABOUTME: Writes to local members directly and relays envelopes through an optional broker

package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/registry"
)

const (
	// DefaultChannelPrefix namespaces broker channels.
	DefaultChannelPrefix = "relay:"

	seenTTL  = 5 * time.Minute
	seenSize = 10000
)

// Mode names reported by Bus.Mode.
const (
	ModeLocal  = "local"
	ModeBroker = "broker"
)

// Members resolves broadcast groups to live local endpoints. *registry.Registry satisfies it.
type Members interface {
	Members(groups []string, except string) []registry.Endpoint
}

// Delivery is one outbound event addressed to the union of Groups, skipping
// the endpoint whose ID is Except.
type Delivery struct {
	Groups []string
	Except string
	Event  protocol.Outbound
}

// wireEnvelope is the broker payload.
type wireEnvelope struct {
	ID     string            `json:"id"`
	Origin string            `json:"origin"`
	Groups []string          `json:"groups"`
	Except string            `json:"except,omitempty"`
	Event  protocol.Envelope `json:"event"`
}

// Options configures a Bus.
type Options struct {
	InstanceID    string
	ChannelPrefix string
	Logger        *slog.Logger
}

// Bus broadcasts events to registry groups. A nil broker makes it local-only.
type Bus struct {
	members    Members
	broker     Broker
	instanceID string
	prefix     string
	seen       *dedupe.Cache
	logger     *slog.Logger
}

// NewBus creates a bus over members. broker may be nil.
func NewBus(members Members, broker Broker, opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	prefix := opts.ChannelPrefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Bus{
		members:    members,
		broker:     broker,
		instanceID: instanceID,
		prefix:     prefix,
		seen:       dedupe.New(seenTTL, seenSize),
		logger:     logger.With("component", "fanout"),
	}
}

// InstanceID returns the origin tag stamped on published envelopes.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Mode reports whether the bus relays through a broker.
func (b *Bus) Mode() string {
	if b.broker == nil {
		return ModeLocal
	}
	return ModeBroker
}

// Emit delivers d to local members and publishes it for other instances.
// Only an encoding failure is returned; broker failures are logged.
func (b *Bus) Emit(ctx context.Context, d Delivery) error {
	if len(d.Groups) == 0 {
		return nil
	}

	env, err := protocol.Encode(d.Event)
	if err != nil {
		return err
	}

	delivered := b.deliver(d.Groups, d.Except, env)
	b.logger.Debug("emitted event",
		"type", env.Type,
		"groups", d.Groups,
		"local_deliveries", delivered)

	if b.broker == nil {
		return nil
	}

	wire := wireEnvelope{
		ID:     uuid.New().String(),
		Origin: b.instanceID,
		Groups: d.Groups,
		Except: d.Except,
		Event:  env,
	}
	b.seen.Seen(wire.ID)

	payload, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	if err := b.broker.Publish(ctx, b.prefix+d.Groups[0], payload); err != nil {
		b.logger.Warn("broker publish failed, delivered locally only",
			"type", env.Type,
			"error", err)
	}
	return nil
}

// deliver writes env to every local member. Returns the number accepted.
func (b *Bus) deliver(groups []string, except string, env protocol.Envelope) int {
	accepted := 0
	for _, ep := range b.members.Members(groups, except) {
		if ep.Send(env) {
			accepted++
			continue
		}
		b.logger.Debug("dropped event for slow endpoint",
			"endpoint_id", ep.ID(),
			"type", env.Type)
	}
	return accepted
}

// Run consumes envelopes published by other instances until ctx is cancelled.
// Without a broker it just waits for cancellation.
func (b *Bus) Run(ctx context.Context) error {
	if b.broker == nil {
		<-ctx.Done()
		return nil
	}

	msgs, err := b.broker.Subscribe(ctx, b.prefix+"*")
	if err != nil {
		return err
	}
	b.logger.Info("subscribed to broker", "pattern", b.prefix+"*", "instance_id", b.instanceID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				b.logger.Warn("broker subscription closed")
				return nil
			}
			b.handleRemote(payload)
		}
	}
}

func (b *Bus) handleRemote(payload []byte) {
	var wire wireEnvelope
	if err := json.Unmarshal(payload, &wire); err != nil {
		b.logger.Warn("discarding malformed broker envelope", "error", err)
		return
	}
	if wire.Origin == b.instanceID {
		return
	}
	if wire.ID == "" || b.seen.Seen(wire.ID) {
		return
	}

	delivered := b.deliver(wire.Groups, wire.Except, wire.Event)
	b.logger.Debug("delivered remote event",
		"type", wire.Event.Type,
		"origin", wire.Origin,
		"local_deliveries", delivered)
}

// Close releases the bus's dedupe cache. The broker is owned by the caller.
func (b *Bus) Close() {
	b.seen.Close()
}
