// ABOUTME: End-to-end tests for the widget client against a real gateway and a scripted server
// ABOUTME: Covers ack eviction, offline backlogs, and resend of unacknowledged or rejected keys

package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/outbox"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func startGateway(t *testing.T) (*gateway.Gateway, *httptest.Server) {
	t.Helper()
	return startGatewayWith(t, config.DeliveryConfig{NotifyTimeout: time.Second, SendBuffer: 64, MessagesPerSecond: 100, Burst: 100, SnapshotLimit: 10})
}

func startGatewayWith(t *testing.T, delivery config.DeliveryConfig) (*gateway.Gateway, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Server:        config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database:      config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "gateway.db")},
		Delivery:      delivery,
		Notifications: config.NotificationsConfig{Provider: config.ProviderNone},
	}
	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, gw.Store().CreateOrganization(context.Background(), &store.Organization{ID: "org-1", Name: "Acme", Plan: "paid"}))

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return gw, srv
}

func newClient(t *testing.T, url, dbPath string) *Client {
	t.Helper()
	st, err := outbox.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c, err := New(st, Options{
		ServerURL:  url,
		OrgID:      "org-1",
		PageURL:    "https://acme.test/pricing",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	return c
}

func run(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func drained(t *testing.T, c *Client) func() bool {
	t.Helper()
	return func() bool {
		pending, err := c.Outbox().Pending(context.Background())
		return err == nil && len(pending) == 0
	}
}

func TestNew_RequiresServerAndOrg(t *testing.T) {
	_, err := New(nil, Options{OrgID: "org-1"})
	assert.ErrorIs(t, err, ErrMissingOption)
	_, err = New(nil, Options{ServerURL: "ws://localhost/ws"})
	assert.ErrorIs(t, err, ErrMissingOption)
}

func TestClient_SendIsAckedAndEvicted(t *testing.T) {
	gw, srv := startGateway(t)
	c := newClient(t, wsURL(srv), filepath.Join(t.TempDir(), "outbox.db"))
	run(t, c)

	_, err := c.Send(context.Background(), "Hello")
	require.NoError(t, err)
	require.Eventually(t, drained(t, c), 3*time.Second, 10*time.Millisecond)

	msgs := c.Transcript().Messages()
	require.Len(t, msgs, 1)
	require.NotEmpty(t, msgs[0].ID)

	stored, err := gw.Store().ListMessages(context.Background(), msgs[0].ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Hello", stored[0].Content)
	assert.Equal(t, msgs[0].IdempotencyKey, stored[0].IdempotencyKey)
}

func TestClient_OfflineMessagesDeliveredAfterRestart(t *testing.T) {
	gw, srv := startGateway(t)
	dbPath := filepath.Join(t.TempDir(), "outbox.db")

	// Queue while the client has never connected, then drop the process.
	st, err := outbox.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	offline, err := New(st, Options{ServerURL: wsURL(srv), OrgID: "org-1", Logger: testLogger()})
	require.NoError(t, err)
	first, err := offline.Send(context.Background(), "one")
	require.NoError(t, err)
	_, err = offline.Send(context.Background(), "two")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	c := newClient(t, wsURL(srv), dbPath)
	run(t, c)
	require.Eventually(t, drained(t, c), 3*time.Second, 10*time.Millisecond)

	stored, err := gw.Store().GetMessageByIdempotencyKey(context.Background(), first.IdempotencyKey)
	require.NoError(t, err)
	msgs, err := gw.Store().ListMessages(context.Background(), stored.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
}

func TestClient_BacklogBeyondBurstIsDelivered(t *testing.T) {
	gw, srv := startGatewayWith(t, config.DeliveryConfig{
		NotifyTimeout:     time.Second,
		SendBuffer:        config.DefaultSendBuffer,
		MessagesPerSecond: config.DefaultMessagesPerSecond,
		Burst:             config.DefaultBurst,
		SnapshotLimit:     config.DefaultSnapshotLimit,
	})
	c := newClient(t, wsURL(srv), filepath.Join(t.TempDir(), "outbox.db"))

	backlog := config.DefaultBurst + 5
	var first outbox.Entry
	for i := range backlog {
		e, err := c.Send(context.Background(), fmt.Sprintf("offline %d", i))
		require.NoError(t, err)
		if i == 0 {
			first = e
		}
	}
	run(t, c)

	require.Eventually(t, drained(t, c), 10*time.Second, 20*time.Millisecond)

	stored, err := gw.Store().GetMessageByIdempotencyKey(context.Background(), first.IdempotencyKey)
	require.NoError(t, err)
	msgs, err := gw.Store().ListMessages(context.Background(), stored.ConversationID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, backlog, "every queued message is stored exactly once")
	assert.Zero(t, c.Transcript().Pending())
}

// flakyRelay drops the first connection after reading one message and acks
// on the second.
type flakyRelay struct {
	mu    sync.Mutex
	conns int
	keys  []string
}

func (f *flakyRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.conns++
	attempt := f.conns
	f.mu.Unlock()

	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil || env.Type != protocol.TypeWidgetConnect {
		return
	}
	_ = conn.WriteJSON(protocol.MustEncode(&protocol.WidgetConnected{SessionID: "s"}))

	if err := conn.ReadJSON(&env); err != nil || env.Type != protocol.TypeMessageSend {
		return
	}
	var send protocol.MessageSend
	if err := json.Unmarshal(env.Data, &send); err != nil {
		return
	}
	f.mu.Lock()
	f.keys = append(f.keys, send.IdempotencyKey)
	f.mu.Unlock()

	if attempt == 1 {
		return
	}
	_ = conn.WriteJSON(protocol.MustEncode(&protocol.MessageAck{
		IdempotencyKey: send.IdempotencyKey,
		MessageID:      "m1",
		ConversationID: "c1",
	}))
	// Hold the socket open until the client goes away.
	_, _, _ = conn.ReadMessage()
}

func TestClient_ResendsSameKeyAfterLostAck(t *testing.T) {
	relay := &flakyRelay{}
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	c := newClient(t, wsURL(srv), filepath.Join(t.TempDir(), "outbox.db"))
	entry, err := c.Send(context.Background(), "Hello")
	require.NoError(t, err)
	run(t, c)

	require.Eventually(t, drained(t, c), 3*time.Second, 10*time.Millisecond)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Equal(t, []string{entry.IdempotencyKey, entry.IdempotencyKey}, relay.keys)
	assert.Equal(t, 2, relay.conns)

	msgs := c.Transcript().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

// rejectingRelay answers every send with a retryable message:error and
// counts connections and sends.
type rejectingRelay struct {
	conns atomic.Int32
	sends atomic.Int32
}

func (rr *rejectingRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	rr.conns.Add(1)

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case protocol.TypeWidgetConnect:
			_ = conn.WriteJSON(protocol.MustEncode(&protocol.WidgetConnected{SessionID: "s"}))
		case protocol.TypeMessageSend:
			rr.sends.Add(1)
			var send protocol.MessageSend
			_ = json.Unmarshal(env.Data, &send)
			_ = conn.WriteJSON(protocol.MustEncode(&protocol.MessageError{
				IdempotencyKey: send.IdempotencyKey,
				Error:          "Message could not be saved, please retry",
				Retryable:      true,
			}))
		}
	}
}

func TestClient_RejectedMessageStaysQueued(t *testing.T) {
	relay := &rejectingRelay{}
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	rejected := make(chan string, 1)
	st, err := outbox.NewSQLiteStore(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	c, err := New(st, Options{
		ServerURL: wsURL(srv),
		OrgID:     "org-1",
		Logger:    testLogger(),
		OnError: func(key, _ string) {
			select {
			case rejected <- key:
			default:
			}
		},
	})
	require.NoError(t, err)

	entry, err := c.Send(context.Background(), "Hello")
	require.NoError(t, err)
	run(t, c)

	select {
	case key := <-rejected:
		assert.Equal(t, entry.IdempotencyKey, key)
	case <-time.After(3 * time.Second):
		t.Fatal("no message:error received")
	}

	pending, err := c.Outbox().Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entry.IdempotencyKey, pending[0].IdempotencyKey)
	assert.Equal(t, "Message could not be saved, please retry", pending[0].LastError)
	assert.Equal(t, 1, c.Transcript().Pending(), "the optimistic render stays pending")

	require.Eventually(t, func() bool { return relay.sends.Load() >= 2 }, 3*time.Second, 10*time.Millisecond,
		"a retryable rejection is resent without reconnecting")
	assert.Equal(t, int32(1), relay.conns.Load())
}
