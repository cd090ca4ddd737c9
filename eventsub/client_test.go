package eventsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-herald/events"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/testutil"
	"github.com/onnwee/stream-herald/watch"
)

func init() {
	telemetry.Init()
}

type fakeSubscriber struct {
	mu    sync.Mutex
	calls []string // "subType:broadcasterID"
	err   error
}

func (f *fakeSubscriber) CreateEventSubSubscription(ctx context.Context, subType, version string, condition map[string]string, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, subType+":"+condition["broadcaster_user_id"])
	return nil
}

func (f *fakeSubscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func welcomeFrame(sessionID string) []byte {
	return []byte(fmt.Sprintf(`{"metadata":{"message_type":"session_welcome"},"payload":{"session":{"id":"%s"}}}`, sessionID))
}

func reconnectFrame(url string) []byte {
	return []byte(fmt.Sprintf(`{"metadata":{"message_type":"session_reconnect"},"payload":{"session":{"id":"sess-1","reconnect_url":"%s"}}}`, url))
}

func onlineFrame(id, login string) []byte {
	return []byte(fmt.Sprintf(`{"metadata":{"message_type":"notification"},"payload":{"subscription":{"type":"stream.online"},"event":{"broadcaster_user_id":"%s","broadcaster_user_login":"%s"}}}`, id, login))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestClient(url string, sub Subscriber, reg *watch.Registry) *Client {
	return &Client{
		URL:            url,
		Helix:          sub,
		Registry:       reg,
		DrainInterval:  10 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
	}
}

func TestWelcomeSubscribesPending(t *testing.T) {
	srv := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, welcomeFrame("sess-1"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := watch.NewRegistry()
	reg.Enqueue("100")
	sub := &fakeSubscriber{}
	c := newTestClient(srv.WSURL(), sub, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "channel to be listening", func() bool { return reg.IsListening("100") })
	if got := sub.callCount(); got != len(streamSubTypes) {
		t.Errorf("subscribe calls = %d, want %d", got, len(streamSubTypes))
	}
	if c.State() != StateReady {
		t.Errorf("State = %v, want ready", c.State())
	}
}

func TestNotificationDispatch(t *testing.T) {
	srv := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, welcomeFrame("sess-1"))
		_ = conn.WriteMessage(websocket.TextMessage, onlineFrame("100", "somestreamer"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var mu sync.Mutex
	var got []*events.Event
	c := newTestClient(srv.WSURL(), &fakeSubscriber{}, watch.NewRegistry())
	c.OnEvent = func(ctx context.Context, ev *events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "event dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Kind != events.KindLive || got[0].TargetID != "100" {
		t.Errorf("event = %+v", got[0])
	}
}

// Garbage frames are dropped without tearing down the connection.
func TestDecodeFailureKeepsConnection(t *testing.T) {
	srv := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, welcomeFrame("sess-1"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{garbage`))
		_ = conn.WriteMessage(websocket.TextMessage, onlineFrame("100", "somestreamer"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var dispatched atomic.Int32
	c := newTestClient(srv.WSURL(), &fakeSubscriber{}, watch.NewRegistry())
	c.OnEvent = func(ctx context.Context, ev *events.Event) { dispatched.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "event after garbage frame", func() bool { return dispatched.Load() > 0 })
}

// A clean server close invalidates the session: everything listening moves
// back to awaiting and stays there until a new welcome arrives.
func TestCloseRequeuesListening(t *testing.T) {
	var conns atomic.Int32
	srv := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		if n == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, welcomeFrame("sess-1"))
			// Wait for the subscribe round trip before closing.
			time.Sleep(50 * time.Millisecond)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
			_ = conn.Close()
			return
		}
		// Subsequent connections: say nothing, keep the client in
		// awaiting-welcome so the registry state can be observed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := watch.NewRegistry()
	reg.Enqueue("100")
	reg.Enqueue("200")
	c := newTestClient(srv.WSURL(), &fakeSubscriber{}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "both channels listening", func() bool {
		return reg.IsListening("100") && reg.IsListening("200")
	})
	waitFor(t, "requeue after close", func() bool {
		aw, li := reg.Counts()
		return aw == 2 && li == 0
	})
}

// A server-issued reconnect moves to the advertised URL with subscriptions
// intact: no channel is resubscribed on the new session.
func TestServerReconnectKeepsListening(t *testing.T) {
	second := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, welcomeFrame("sess-2"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := watch.NewRegistry()
	reg.Enqueue("100")
	sub := &fakeSubscriber{}

	first := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, welcomeFrame("sess-1"))
		deadline := time.Now().Add(3 * time.Second)
		for !reg.IsListening("100") && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		_ = conn.WriteMessage(websocket.TextMessage, reconnectFrame(second.WSURL()))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestClient(first.WSURL(), sub, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "new session after reconnect", func() bool {
		s := c.Session()
		return s != nil && s.ID == "sess-2" && c.State() == StateReady
	})
	if !reg.IsListening("100") {
		t.Error("channel 100 should remain listening across a graceful reconnect")
	}
	if got := sub.callCount(); got != len(streamSubTypes) {
		t.Errorf("subscribe calls = %d, want %d (no resubscribe after resume)", got, len(streamSubTypes))
	}
}

// A rejected subscribe leaves the channel awaiting so the drain ticker
// retries it.
func TestSubscribeFailureKeepsAwaiting(t *testing.T) {
	srv := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, welcomeFrame("sess-1"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := watch.NewRegistry()
	reg.Enqueue("100")
	sub := &fakeSubscriber{err: fmt.Errorf("subscription rejected")}
	c := newTestClient(srv.WSURL(), sub, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "client ready", func() bool { return c.State() == StateReady })
	time.Sleep(50 * time.Millisecond)
	aw, li := reg.Counts()
	if aw != 1 || li != 0 {
		t.Errorf("Counts = (%d, %d), want (1, 0)", aw, li)
	}
}

func TestDiffUpdateEmitsChanges(t *testing.T) {
	c := &Client{titles: make(map[string]string), categories: make(map[string]string)}

	// First sighting primes the cache.
	evs := c.diffUpdate(&ChannelUpdate{BroadcasterID: "100", BroadcasterLogin: "s", Title: "t1", CategoryName: "c1"})
	if len(evs) != 0 {
		t.Fatalf("first update produced %d events, want 0", len(evs))
	}

	evs = c.diffUpdate(&ChannelUpdate{BroadcasterID: "100", BroadcasterLogin: "s", Title: "t2", CategoryName: "c1"})
	if len(evs) != 1 || evs[0].Kind != events.KindTitle {
		t.Fatalf("events = %+v, want one title change", evs)
	}
	if evs[0].OldTitle != "t1" || evs[0].NewTitle != "t2" {
		t.Errorf("title change = %+v", evs[0])
	}

	evs = c.diffUpdate(&ChannelUpdate{BroadcasterID: "100", BroadcasterLogin: "s", Title: "t3", CategoryName: "c2"})
	if len(evs) != 2 {
		t.Fatalf("events = %+v, want title and category changes", evs)
	}
	if evs[1].Kind != events.KindCategory || evs[1].OldCategory != "c1" || evs[1].NewCategory != "c2" {
		t.Errorf("category change = %+v", evs[1])
	}
}
