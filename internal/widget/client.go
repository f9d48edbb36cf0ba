// ABOUTME: Embedded visitor client: websocket session with reconnect and a durable outbox
// ABOUTME: Acks evict outbox entries; retryable rejections and reconnects resend what is pending

package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/outbox"
	"github.com/2389/relay-gateway/internal/protocol"
)

const (
	DefaultMinBackoff = 1 * time.Second
	DefaultMaxBackoff = 5 * time.Second

	writeWait = 10 * time.Second
)

var (
	// ErrNotConnected is returned for writes while no socket is open.
	ErrNotConnected = errors.New("not connected")

	// ErrMissingOption is returned by New when a required option is empty.
	ErrMissingOption = errors.New("missing required option")
)

// Options configures a Client.
type Options struct {
	ServerURL string // ws:// or wss:// URL of the relay's /ws route
	OrgID     string
	PageURL   string

	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// OnMessage is called for each message added to the transcript,
	// including the visitor's own optimistic renders.
	OnMessage func(protocol.MessageView)
	// OnTyping is called when an agent starts or stops typing.
	OnTyping func(active bool)
	// OnError is called when the relay rejects a message.
	OnError func(key, reason string)

	Logger *slog.Logger
}

// Client is a visitor connection to the relay.
type Client struct {
	opts       Options
	outbox     *outbox.Outbox
	transcript *Transcript
	logger     *slog.Logger

	// mu guards conn and serializes writes to it.
	mu             sync.Mutex
	conn           *websocket.Conn
	conversationID string
	retryDelay     map[string]time.Duration // idempotency key -> last retry delay
}

// New creates a client whose outbox lives in st.
func New(st outbox.Store, opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("%w: server url", ErrMissingOption)
	}
	if opts.OrgID == "" {
		return nil, fmt.Errorf("%w: org id", ErrMissingOption)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(DefaultMaxBackoff, opts.MinBackoff)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		opts:       opts,
		transcript: NewTranscript(),
		logger:     opts.Logger.With("component", "widget"),
		retryDelay: make(map[string]time.Duration),
	}
	c.outbox = outbox.New(st, c, outbox.Options{
		OnRender: c.render,
		Logger:   opts.Logger,
	})
	return c, nil
}

// Outbox returns the client's durable outbox.
func (c *Client) Outbox() *outbox.Outbox { return c.outbox }

// Transcript returns the messages rendered so far.
func (c *Client) Transcript() *Transcript { return c.transcript }

// Send queues content for delivery. It returns once the message is stored
// locally; delivery happens now if connected, or on the next reconnect.
func (c *Client) Send(ctx context.Context, content string) (outbox.Entry, error) {
	return c.outbox.Submit(ctx, content, c.opts.PageURL)
}

// Identify attaches a name and email to the visitor.
func (c *Client) Identify(name, email string) error {
	return c.write(&protocol.VisitorIdentify{Name: name, Email: email})
}

// Typing sends a typing indicator for the current conversation.
func (c *Client) Typing(active bool) error {
	c.mu.Lock()
	convID := c.conversationID
	c.mu.Unlock()
	if convID == "" {
		return nil
	}
	return c.write(&protocol.Typing{ConversationID: convID, Active: active})
}

// Transmit implements outbox.Transmitter.
func (c *Client) Transmit(_ context.Context, e outbox.Entry) error {
	return c.write(&protocol.MessageSend{
		Content:        e.Content,
		IdempotencyKey: e.IdempotencyKey,
		PageURL:        e.PageURL,
	})
}

func (c *Client) render(e outbox.Entry) {
	m := PendingView(e)
	if c.transcript.Add(m) && c.opts.OnMessage != nil {
		c.opts.OnMessage(m)
	}
}

func (c *Client) write(ev protocol.Inbound) error {
	env, err := protocol.EncodeInbound(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

// Run keeps a session open until ctx is canceled, reconnecting with capped
// exponential backoff. It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		established, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			backoff = c.opts.MinBackoff
		}

		delay := jitter(backoff)
		c.logger.Warn("relay connection lost", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}
}

// jitter spreads d over [d/2, d].
func jitter(d time.Duration) time.Duration {
	half := d / 2
	//nolint:gosec // Reconnect jitter, not security.
	return half + rand.N(half+1)
}

// runSession dials once and processes frames until the socket fails. It
// reports whether the relay accepted the registration.
func (c *Client) runSession(ctx context.Context) (bool, error) {
	token, err := c.outbox.SessionToken(ctx)
	if err != nil {
		return false, fmt.Errorf("loading session token: %w", err)
	}

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.ServerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing relay: %w", err)
	}
	defer conn.Close()

	// Scheduled retries stop with the session.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	c.setConn(conn)
	defer func() {
		c.outbox.Disconnected()
		c.setConn(nil)
	}()

	if err := c.write(&protocol.WidgetConnect{OrgID: c.opts.OrgID, SessionID: token}); err != nil {
		return false, fmt.Errorf("registering: %w", err)
	}

	established := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return established, err
		}
		if c.handleFrame(ctx, data) {
			established = true
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// handleFrame applies one server event. It reports true for widget:connected.
func (c *Client) handleFrame(ctx context.Context, data []byte) bool {
	ev, err := protocol.DecodeOutbound(data)
	if err != nil {
		c.logger.Debug("ignoring frame", "error", err)
		return false
	}

	switch ev := ev.(type) {
	case *protocol.WidgetConnected:
		c.mu.Lock()
		c.conversationID = ev.ConversationID
		c.mu.Unlock()
		if err := c.outbox.Connected(ctx); err != nil {
			c.logger.Error("replaying outbox", "error", err)
		}
		return true

	case *protocol.MessageAck:
		c.mu.Lock()
		c.conversationID = ev.ConversationID
		delete(c.retryDelay, ev.IdempotencyKey)
		c.mu.Unlock()
		c.transcript.Confirm(ev.IdempotencyKey, ev.MessageID, ev.ConversationID)
		if err := c.outbox.Ack(ctx, ev.IdempotencyKey); err != nil {
			c.logger.Warn("evicting acknowledged message", "idempotency_key", ev.IdempotencyKey, "error", err)
		}

	case *protocol.MessageError:
		if err := c.outbox.Reject(ctx, ev.IdempotencyKey, ev.Error); err != nil {
			c.logger.Warn("recording rejection", "idempotency_key", ev.IdempotencyKey, "error", err)
		}
		if ev.Retryable {
			c.scheduleRetry(ctx, ev.IdempotencyKey)
		}
		if c.opts.OnError != nil {
			c.opts.OnError(ev.IdempotencyKey, ev.Error)
		}

	case *protocol.MessageNew:
		if c.transcript.Add(ev.Message) && c.opts.OnMessage != nil {
			c.opts.OnMessage(ev.Message)
		}

	case *protocol.TypingNotice:
		if c.opts.OnTyping != nil {
			c.opts.OnTyping(ev.Active)
		}

	case *protocol.Error:
		c.logger.Warn("relay error", "message", ev.Message)

	case *protocol.AgentConnected, *protocol.ConversationNew, *protocol.ConversationUpdated:
		// Agent-side events.
	}
	return false
}

// scheduleRetry resends key after a per-key backoff while the session that
// saw the rejection is still open.
func (c *Client) scheduleRetry(ctx context.Context, key string) {
	c.mu.Lock()
	delay, ok := c.retryDelay[key]
	if ok {
		delay = min(delay*2, c.opts.MaxBackoff)
	} else {
		delay = c.opts.MinBackoff
	}
	c.retryDelay[key] = delay
	c.mu.Unlock()

	wait := jitter(delay)
	c.logger.Debug("retrying rejected message", "idempotency_key", key, "retry_in", wait)
	time.AfterFunc(wait, func() {
		if ctx.Err() != nil {
			return
		}
		if err := c.outbox.Retry(ctx, key); err != nil {
			c.logger.Warn("retrying message", "idempotency_key", key, "error", err)
		}
	})
}
