package seventv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-herald/events"
	"github.com/onnwee/stream-herald/seventvapi"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/testutil"
	"github.com/onnwee/stream-herald/watch"
)

func init() {
	telemetry.Init()
}

type fakeResolver struct {
	users map[string]*seventvapi.UserInfo
	err   error
}

func (f *fakeResolver) UserByTwitchID(ctx context.Context, twitchID string) (*seventvapi.UserInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.users[twitchID]
	if !ok {
		return nil, fmt.Errorf("no 7tv account for twitch id %s", twitchID)
	}
	return info, nil
}

type clientFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

func helloFrame(sessionID string) []byte {
	return []byte(fmt.Sprintf(`{"op":1,"d":{"session_id":"%s"}}`, sessionID))
}

func updateFrame(setID, actor, pushedName string) []byte {
	return []byte(fmt.Sprintf(
		`{"op":0,"d":{"type":"emote_set.update","body":{"id":"%s","actor":{"display_name":"%s"},"pushed":[{"value":{"name":"%s"}}]}}}`,
		setID, actor, pushedName))
}

func readFrames(conn *websocket.Conn, out chan<- clientFrame) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f clientFrame
		if json.Unmarshal(data, &f) == nil {
			out <- f
		}
	}
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

func recvFrame(t *testing.T, ch <-chan clientFrame, what string) clientFrame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return clientFrame{}
	}
}

func newTestClient(url string, api Resolver, reg *watch.Registry) *Client {
	return &Client{
		URL:            url,
		API:            api,
		Registry:       reg,
		DrainInterval:  10 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
	}
}

func singleChannelResolver() *fakeResolver {
	return &fakeResolver{users: map[string]*seventvapi.UserInfo{
		"100": {Username: "somestreamer", EmoteSetID: "set-1"},
	}}
}

func TestHelloSubscribesPending(t *testing.T) {
	got := make(chan clientFrame, 8)
	srv := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, helloFrame("s1"))
		readFrames(conn, got)
	})

	reg := watch.NewRegistry()
	reg.Enqueue("100")
	c := newTestClient(srv.WSURL(), singleChannelResolver(), reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "channel listening", func() bool { return reg.IsListening("100") })
	f := recvFrame(t, got, "subscribe frame")
	if f.Op != OpSubscribe {
		t.Fatalf("op = %d, want %d", f.Op, OpSubscribe)
	}
	var d struct {
		Type      string            `json:"type"`
		Condition map[string]string `json:"condition"`
	}
	if err := json.Unmarshal(f.D, &d); err != nil {
		t.Fatalf("unmarshal subscribe: %v", err)
	}
	if d.Type != "emote_set.update" || d.Condition["object_id"] != "set-1" {
		t.Errorf("subscribe payload = %+v", d)
	}
}

func TestDispatchRoutesEvent(t *testing.T) {
	srv := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, helloFrame("s1"))
		// Wait for the subscribe before dispatching.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, updateFrame("set-1", "SomeEditor", "newEmote"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := watch.NewRegistry()
	reg.Enqueue("100")
	c := newTestClient(srv.WSURL(), singleChannelResolver(), reg)

	var mu sync.Mutex
	var got []*events.Event
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
	ev := got[0]
	if ev.Kind != events.KindEmoteSetUpdate || ev.TargetID != "100" || ev.TargetLogin != "somestreamer" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Actor != "SomeEditor" || len(ev.Changes) != 1 || ev.Changes[0].Name != "newEmote" {
		t.Errorf("event payload = %+v", ev)
	}
}

// End-of-stream invalidates the session: every listening channel moves back
// to awaiting for a full resubscription.
func TestEndOfStreamRequeues(t *testing.T) {
	var conns atomic.Int32
	srv := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, helloFrame("s1"))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":7,"d":{"code":4000,"message":"going away"}}`))
			time.Sleep(50 * time.Millisecond)
			_ = conn.Close()
			return
		}
		// Later connections stay silent so registry state is observable.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := watch.NewRegistry()
	reg.Enqueue("100")
	c := newTestClient(srv.WSURL(), singleChannelResolver(), reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "channel listening", func() bool { return reg.IsListening("100") })
	waitFor(t, "requeue after end of stream", func() bool {
		aw, li := reg.Counts()
		return aw == 1 && li == 0
	})
}

// A server-issued reconnect resumes the old session: listening channels are
// not resubscribed, only an op 34 resume is sent.
func TestReconnectResumesSession(t *testing.T) {
	var conns atomic.Int32
	first := make(chan clientFrame, 8)
	second := make(chan clientFrame, 8)
	srv := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, helloFrame("s1"))
			_, data, err := conn.ReadMessage() // subscribe
			if err != nil {
				return
			}
			var f clientFrame
			_ = json.Unmarshal(data, &f)
			first <- f
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":4,"d":{}}`))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage, helloFrame("s2"))
		readFrames(conn, second)
	})

	reg := watch.NewRegistry()
	reg.Enqueue("100")
	c := newTestClient(srv.WSURL(), singleChannelResolver(), reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if f := recvFrame(t, first, "initial subscribe"); f.Op != OpSubscribe {
		t.Fatalf("first frame op = %d, want subscribe", f.Op)
	}
	waitFor(t, "resumed session", func() bool {
		return c.SessionID() == "s2" && c.State() == StateReady
	})

	f := recvFrame(t, second, "resume frame")
	if f.Op != OpResume {
		t.Fatalf("op after reconnect = %d, want %d", f.Op, OpResume)
	}
	var d map[string]string
	if err := json.Unmarshal(f.D, &d); err != nil {
		t.Fatalf("unmarshal resume: %v", err)
	}
	if d["session_id"] != "s1" {
		t.Errorf("resume session_id = %q, want s1", d["session_id"])
	}

	if !reg.IsListening("100") {
		t.Error("channel 100 should remain listening across a resumed session")
	}
	// No resubscribe should follow the resume.
	select {
	case f := <-second:
		t.Errorf("unexpected frame after resume: op %d", f.Op)
	case <-time.After(100 * time.Millisecond):
	}
}

// A rejected resume falls back to requeueing and resubscribing everything.
func TestResumeRejectedResubscribes(t *testing.T) {
	var conns atomic.Int32
	second := make(chan clientFrame, 8)
	srv := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, helloFrame("s1"))
			if _, _, err := conn.ReadMessage(); err != nil { // subscribe
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":4,"d":{}}`))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage, helloFrame("s2"))
		if _, _, err := conn.ReadMessage(); err != nil { // resume
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":6,"d":{"message":"resume rejected"}}`))
		readFrames(conn, second)
	})

	reg := watch.NewRegistry()
	reg.Enqueue("100")
	c := newTestClient(srv.WSURL(), singleChannelResolver(), reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	f := recvFrame(t, second, "resubscribe after rejected resume")
	if f.Op != OpSubscribe {
		t.Fatalf("op = %d, want %d", f.Op, OpSubscribe)
	}
	waitFor(t, "channel listening again", func() bool { return reg.IsListening("100") })
}

// A channel with no 7TV account stays awaiting instead of listening.
func TestResolveFailureKeepsAwaiting(t *testing.T) {
	srv := testutil.NewMockWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, helloFrame("s1"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := watch.NewRegistry()
	reg.Enqueue("999")
	c := newTestClient(srv.WSURL(), &fakeResolver{users: map[string]*seventvapi.UserInfo{}}, reg)

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
