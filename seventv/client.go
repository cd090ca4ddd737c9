package seventv

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-herald/events"
	"github.com/onnwee/stream-herald/seventvapi"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/transport"
	"github.com/onnwee/stream-herald/watch"
)

const protocolLabel = "seventv"

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

var (
	errReconnectRequested = errors.New("server requested reconnect")
	errEndOfStream        = errors.New("server ended the event stream")
)

// Resolver maps a Twitch channel id to its 7TV account and active emote set.
// *seventvapi.Client satisfies it.
type Resolver interface {
	UserByTwitchID(ctx context.Context, twitchID string) (*seventvapi.UserInfo, error)
}

type target struct {
	channelID string
	login     string
}

// Client owns the EventAPI websocket and the emote-set registry. The registry
// holds Twitch channel ids; each is resolved to its emote set on subscribe.
type Client struct {
	URL               string
	API               Resolver
	Registry          *watch.Registry
	OnEvent           func(ctx context.Context, ev *events.Event)
	DrainInterval     time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	state atomic.Int32

	mu        sync.Mutex
	sessionID string

	// Connection-loop state: which emote set belongs to which channel, and
	// whether a resume of prevSessionID is in flight on the current session.
	setTargets     map[string]target
	prevSessionID  string
	resumeInFlight bool
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// SessionID returns the current EventAPI session id, or empty.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
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

// Run drives the connection until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	c.setTargets = make(map[string]target)

	attempt := 0
	for ctx.Err() == nil {
		c.setState(StateConnecting)
		conn, err := transport.Dial(ctx, c.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			slog.Warn("eventapi dial failed",
				slog.String("url", c.URL), slog.Int("attempt", attempt), slog.Any("err", err))
			if attempt >= c.reconnectAttempts() {
				slog.Error("eventapi reconnect attempts exhausted, continuing to retry",
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
			// Redial and resume; subscriptions stay listening unless the
			// resume is rejected.
			telemetry.Reconnects.WithLabelValues(protocolLabel, "server_reconnect").Inc()
		case transport.IsAbnormalReset(err):
			// Redial the same URL immediately and try to resume the session.
			slog.Warn("eventapi transport reset, redialing", slog.Any("err", err))
			if c.prevSessionID == "" {
				c.prevSessionID = c.SessionID()
			}
			telemetry.Reconnects.WithLabelValues(protocolLabel, "reset").Inc()
		default:
			slog.Info("eventapi connection closed", slog.Any("err", err))
			telemetry.Reconnects.WithLabelValues(protocolLabel, "close").Inc()
			c.setSessionID("")
			c.prevSessionID = ""
			c.Registry.RequeueAllListening()
			c.publishListeningCount()
			c.setState(StateReconnecting)
			if !sleepCtx(ctx, c.reconnectDelay()) {
				return
			}
		}
	}
}

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
				slog.Warn("eventapi frame dropped", slog.Any("err", err))
				continue
			}
			if err := c.handleMessage(ctx, conn, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if c.State() == StateReady {
				c.subscribePending(ctx, conn)
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, conn *websocket.Conn, msg *DecodedMessage) error {
	switch msg.Kind {
	case MessageHello:
		c.setSessionID(msg.SessionID)
		c.setState(StateReady)
		telemetry.SetConnectionUp(protocolLabel, true)
		slog.Info("eventapi session established", slog.String("session_id", msg.SessionID))
		if c.prevSessionID != "" {
			// Resume the old session so listening channels need no
			// resubscription. Rejection arrives as an error frame.
			frame, err := EncodeResume(c.prevSessionID)
			if err == nil {
				err = conn.WriteMessage(websocket.TextMessage, frame)
			}
			if err != nil {
				slog.Warn("eventapi resume failed, resubscribing all", slog.Any("err", err))
				c.Registry.RequeueAllListening()
			} else {
				c.resumeInFlight = true
			}
			c.prevSessionID = ""
		}
		c.subscribePending(ctx, conn)
	case MessageHeartbeat:
		c.resumeInFlight = false
		slog.Debug("eventapi heartbeat")
	case MessageNotification:
		c.resumeInFlight = false
		c.routeUpdate(ctx, msg.Update)
	case MessageReconnect:
		slog.Info("eventapi server reconnect requested")
		c.prevSessionID = c.SessionID()
		return errReconnectRequested
	case MessageError:
		slog.Warn("eventapi error frame", slog.String("detail", msg.Detail))
		if c.resumeInFlight {
			// Resume rejected: fall back to a full resubscription.
			c.resumeInFlight = false
			c.Registry.RequeueAllListening()
			c.publishListeningCount()
			c.subscribePending(ctx, conn)
		}
	case MessageEndOfStream:
		slog.Info("eventapi end of stream", slog.String("detail", msg.Detail))
		return errEndOfStream
	default:
		telemetry.FramesDropped.WithLabelValues(protocolLabel).Inc()
		slog.Debug("eventapi unrecognized frame dropped")
	}
	return nil
}

func (c *Client) routeUpdate(ctx context.Context, up *SetUpdate) {
	if up == nil || c.State() != StateReady {
		return
	}
	tgt, ok := c.setTargets[up.SetID]
	if !ok {
		slog.Debug("eventapi dispatch for unknown emote set", slog.String("set_id", up.SetID))
		return
	}
	ev := &events.Event{
		TargetID:    tgt.channelID,
		TargetLogin: tgt.login,
		Kind:        events.KindEmoteSetUpdate,
		Actor:       up.Actor,
		Changes:     up.Changes,
	}
	telemetry.EventsReceived.WithLabelValues(protocolLabel, ev.Kind.String()).Inc()
	if c.OnEvent != nil {
		c.OnEvent(ctx, ev)
	}
}

// subscribePending drains the awaiting set, resolves each channel to its
// emote set, and subscribes it on the current session. Failures put the
// channel back in awaiting for the next drain tick.
func (c *Client) subscribePending(ctx context.Context, conn *websocket.Conn) {
	ids := c.Registry.DrainAwaiting()
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		telemetry.SubscribeAttempts.WithLabelValues(protocolLabel).Inc()
		if err := c.subscribe(ctx, conn, id); err != nil {
			telemetry.SubscribeFailures.WithLabelValues(protocolLabel).Inc()
			slog.Warn("eventapi subscribe failed",
				slog.String("channel_id", id), slog.Any("err", err))
			c.Registry.Enqueue(id)
			continue
		}
		c.Registry.MarkListening(id)
		slog.Info("eventapi channel subscribed", slog.String("channel_id", id))
	}
	c.publishListeningCount()
}

func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn, channelID string) error {
	info, err := c.API.UserByTwitchID(ctx, channelID)
	if err != nil {
		return err
	}
	frame, err := EncodeSubscribe(info.EmoteSetID)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	c.setTargets[info.EmoteSetID] = target{channelID: channelID, login: info.Username}
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
