package eventsub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-herald/events"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/transport"
	"github.com/onnwee/stream-herald/watch"
)

const protocolLabel = "eventsub"

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingWelcome
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingWelcome:
		return "awaiting_welcome"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// errReconnectRequested signals a server-issued session_reconnect: the run
// loop redials the advertised URL without requeueing subscriptions.
var errReconnectRequested = errors.New("server requested reconnect")

// Subscriber issues EventSub subscribe requests. *twitchapi.HelixClient
// satisfies it.
type Subscriber interface {
	CreateEventSubSubscription(ctx context.Context, subType, version string, condition map[string]string, sessionID string) error
}

// Client owns the EventSub websocket and the stream-status registry. Start it
// with Run; it keeps reconnecting until the context is cancelled.
type Client struct {
	URL               string
	Helix             Subscriber
	Registry          *watch.Registry
	OnEvent           func(ctx context.Context, ev *events.Event)
	DrainInterval     time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	state atomic.Int32

	mu      sync.Mutex
	session *Session
	lastURL string

	// channel.update old-value caches; touched only from the connection loop.
	titles     map[string]string
	categories map[string]string
}

// Every watched broadcaster gets all three subscriptions; channel.update
// feeds the title/category change events.
var streamSubTypes = []struct{ name, version string }{
	{"stream.online", "1"},
	{"stream.offline", "1"},
	{"channel.update", "2"},
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Session returns the current session, or nil when not established.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) drainInterval() time.Duration {
	if c.DrainInterval > 0 {
		return c.DrainInterval
	}
	return 5 * time.Second
}

func (c *Client) reconnectDelay() time.Duration {
	if c.ReconnectDelay > 0 {
		return c.ReconnectDelay
	}
	return time.Minute
}

func (c *Client) reconnectAttempts() int {
	if c.ReconnectAttempts > 0 {
		return c.ReconnectAttempts
	}
	return 3
}

// Run drives the connection until ctx is cancelled. Connectivity loss never
// returns; the loop redials forever, logging when a retry burst is exhausted.
func (c *Client) Run(ctx context.Context) {
	c.lastURL = c.URL
	c.titles = make(map[string]string)
	c.categories = make(map[string]string)

	attempt := 0
	for ctx.Err() == nil {
		c.setState(StateConnecting)
		conn, err := transport.Dial(ctx, c.lastURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			slog.Warn("eventsub dial failed",
				slog.String("url", c.lastURL), slog.Int("attempt", attempt), slog.Any("err", err))
			if attempt >= c.reconnectAttempts() {
				slog.Error("eventsub reconnect attempts exhausted, continuing to retry",
					slog.Int("attempts", attempt))
				c.setState(StateDisconnected)
				attempt = 0
			} else {
				c.setState(StateReconnecting)
			}
			if !sleepCtx(ctx, c.reconnectDelay()) {
				return
			}
			continue
		}
		attempt = 0

		err = c.handle(ctx, conn)
		telemetry.SetConnectionUp(protocolLabel, false)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, errReconnectRequested):
			// Subscriptions carry over to the new session; registry untouched.
			telemetry.Reconnects.WithLabelValues(protocolLabel, "server_reconnect").Inc()
		case transport.IsAbnormalReset(err):
			// Bare transport hiccup: redial the same URL, registry untouched.
			slog.Warn("eventsub transport reset, redialing",
				slog.String("url", c.lastURL), slog.Any("err", err))
			telemetry.Reconnects.WithLabelValues(protocolLabel, "reset").Inc()
		default:
			slog.Info("eventsub connection closed", slog.Any("err", err))
			telemetry.Reconnects.WithLabelValues(protocolLabel, "close").Inc()
			c.setSession(nil)
			c.lastURL = c.URL
			c.Registry.RequeueAllListening()
			c.publishListeningCount()
			c.setState(StateReconnecting)
			if !sleepCtx(ctx, c.reconnectDelay()) {
				return
			}
		}
	}
}

// handle runs one connection to completion. The reader goroutine is the only
// consumer of the socket; this loop is the single select point over inbound
// frames and the drain ticker.
func (c *Client) handle(ctx context.Context, conn *websocket.Conn) error {
	defer func() { _ = conn.Close() }()
	c.setState(StateAwaitingWelcome)

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(c.drainInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case data := <-frames:
			msg, err := Decode(data)
			if err != nil {
				telemetry.FramesDropped.WithLabelValues(protocolLabel).Inc()
				slog.Warn("eventsub frame dropped", slog.Any("err", err))
				continue
			}
			if err := c.handleMessage(ctx, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if c.State() == StateReady {
				c.subscribePending(ctx)
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *DecodedMessage) error {
	switch msg.Kind {
	case MessageWelcome:
		c.setSession(msg.Session)
		c.setState(StateReady)
		telemetry.SetConnectionUp(protocolLabel, true)
		slog.Info("eventsub session established", slog.String("session_id", msg.Session.ID))
		c.subscribePending(ctx)
	case MessageKeepalive:
		slog.Debug("eventsub keepalive")
	case MessageReconnect:
		slog.Info("eventsub server reconnect requested", slog.String("url", msg.Session.ReconnectURL))
		c.mu.Lock()
		c.lastURL = msg.Session.ReconnectURL
		c.mu.Unlock()
		return errReconnectRequested
	case MessageNotification:
		c.routeNotification(ctx, msg)
	case MessageRevocation:
		slog.Warn("eventsub subscription revoked",
			slog.String("type", msg.SubType), slog.String("channel_id", msg.Target))
		if msg.Target != "" {
			c.Registry.Requeue(msg.Target)
			c.publishListeningCount()
		}
	default:
		telemetry.FramesDropped.WithLabelValues(protocolLabel).Inc()
		slog.Debug("eventsub unrecognized frame dropped")
	}
	return nil
}

func (c *Client) routeNotification(ctx context.Context, msg *DecodedMessage) {
	if c.State() != StateReady {
		return
	}
	switch {
	case msg.Event != nil:
		c.dispatch(ctx, msg.Event)
	case msg.Update != nil:
		for _, ev := range c.diffUpdate(msg.Update) {
			c.dispatch(ctx, ev)
		}
	default:
		slog.Debug("eventsub notification ignored", slog.String("type", msg.SubType))
	}
}

func (c *Client) dispatch(ctx context.Context, ev *events.Event) {
	telemetry.EventsReceived.WithLabelValues(protocolLabel, ev.Kind.String()).Inc()
	if c.OnEvent != nil {
		c.OnEvent(ctx, ev)
	}
}

// diffUpdate compares a channel.update against the cached title and category
// and produces one event per changed field. The first update seen for a
// channel only primes the cache.
func (c *Client) diffUpdate(u *ChannelUpdate) []*events.Event {
	var out []*events.Event
	if old, ok := c.titles[u.BroadcasterID]; ok && old != u.Title {
		out = append(out, &events.Event{
			TargetID:    u.BroadcasterID,
			TargetLogin: u.BroadcasterLogin,
			Kind:        events.KindTitle,
			OldTitle:    old,
			NewTitle:    u.Title,
		})
	}
	c.titles[u.BroadcasterID] = u.Title
	if old, ok := c.categories[u.BroadcasterID]; ok && old != u.CategoryName {
		out = append(out, &events.Event{
			TargetID:    u.BroadcasterID,
			TargetLogin: u.BroadcasterLogin,
			Kind:        events.KindCategory,
			OldCategory: old,
			NewCategory: u.CategoryName,
		})
	}
	c.categories[u.BroadcasterID] = u.CategoryName
	return out
}

// subscribePending drains the awaiting set and subscribes each channel on the
// current session. A rejected channel goes back to awaiting for the next
// drain tick.
func (c *Client) subscribePending(ctx context.Context) {
	ids := c.Registry.DrainAwaiting()
	if len(ids) == 0 {
		return
	}
	sess := c.Session()
	if sess == nil {
		for _, id := range ids {
			c.Registry.Enqueue(id)
		}
		return
	}
	for _, id := range ids {
		telemetry.SubscribeAttempts.WithLabelValues(protocolLabel).Inc()
		if err := c.subscribe(ctx, sess.ID, id); err != nil {
			telemetry.SubscribeFailures.WithLabelValues(protocolLabel).Inc()
			slog.Warn("eventsub subscribe failed",
				slog.String("channel_id", id), slog.Any("err", err))
			c.Registry.Enqueue(id)
			continue
		}
		c.Registry.MarkListening(id)
		slog.Info("eventsub channel subscribed", slog.String("channel_id", id))
	}
	c.publishListeningCount()
}

func (c *Client) subscribe(ctx context.Context, sessionID, broadcasterID string) error {
	cond := map[string]string{"broadcaster_user_id": broadcasterID}
	for _, st := range streamSubTypes {
		if err := c.Helix.CreateEventSubSubscription(ctx, st.name, st.version, cond, sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) publishListeningCount() {
	_, listening := c.Registry.Counts()
	telemetry.SetListeningChannels(protocolLabel, listening)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
