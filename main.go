// Command stream-herald watches external real-time event streams and fans
// detected events out as chat notifications. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Seeds the subscription registries from the stored notification rules.
//   - Runs the Twitch EventSub and 7TV EventAPI websocket clients, the chat
//     bot, and the OAuth token refresher.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/stream-herald/chat"
	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/events"
	"github.com/onnwee/stream-herald/eventsub"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/oauth"
	"github.com/onnwee/stream-herald/server"
	"github.com/onnwee/stream-herald/seventv"
	"github.com/onnwee/stream-herald/seventvapi"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitchapi"
	"github.com/onnwee/stream-herald/watch"
)

// logSink is the delivery fallback when chat credentials are missing: events
// are still detected and logged, just not posted anywhere.
type logSink struct{}

func (logSink) Say(channel, line string) error {
	slog.Info("notification (chat disabled)", slog.String("channel", channel), slog.String("line", line))
	return nil
}

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("stream-herald", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as the fallback for
	// deployments without the migrations directory.
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL", slog.Any("err", err))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := &db.Store{DB: database}
	hub := watch.NewHub()
	seedRegistries(ctx, store, hub)

	helix := &twitchapi.HelixClient{
		BaseURL:  cfg.HelixURL,
		ClientID: cfg.TwitchClientID,
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
		},
		UserToken: func(ctx context.Context) (string, error) {
			access, _, _, _, err := db.GetOAuthToken(ctx, database, "twitch")
			if err != nil {
				return "", err
			}
			if access == "" {
				access = strings.TrimPrefix(cfg.TwitchOAuthToken, "oauth:")
			}
			return access, nil
		},
	}

	// Chat sink: the IRC bot when credentials exist, a log-only sink
	// otherwise so event detection keeps working.
	var sink notify.ChatSink = logSink{}
	var bot *chat.Bot
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat delivery disabled", slog.Any("err", err))
	} else {
		channels, err := store.Channels(ctx)
		if err != nil {
			slog.Error("failed to load channels", slog.Any("err", err))
			os.Exit(1)
		}
		names := make([]string, 0, len(channels))
		for _, c := range channels {
			names = append(names, c.AliasName)
		}
		bot = chat.NewBot(cfg.TwitchBotUsername, cfg.TwitchOAuthToken, names)
		sink = bot
		go bot.Run(ctx)
	}

	notifier := &notify.Notifier{
		Rules:         store,
		Chat:          sink,
		Chatters:      helix,
		BotUserID:     cfg.TwitchBotUserID,
		MaxMessageLen: cfg.MaxMessageLen,
		OnEvent: func(ctx context.Context, ev *events.Event) {
			telemetry.LoggerWithCorr(ctx).Info("event detected",
				slog.String("target", ev.TargetID),
				slog.String("login", ev.TargetLogin),
				slog.String("kind", ev.Kind.String()))
		},
	}

	esClient := &eventsub.Client{
		URL:               cfg.EventSubURL,
		Helix:             helix,
		Registry:          hub.Registry(watch.StreamStatus),
		OnEvent:           notifier.Dispatch,
		DrainInterval:     cfg.DrainInterval,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
	}
	if err := cfg.ValidateHelixReady(); err != nil {
		slog.Warn("stream status watching disabled", slog.Any("err", err))
	} else {
		go esClient.Run(ctx)
	}

	stvClient := &seventv.Client{
		URL:               cfg.SevenTVURL,
		API:               &seventvapi.Client{BaseURL: cfg.SevenTVAPIURL},
		Registry:          hub.Registry(watch.EmoteSet),
		OnEvent:           notifier.Dispatch,
		DrainInterval:     cfg.DrainInterval,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
	}
	go stvClient.Run(ctx)

	refresher := &oauth.Refresher{
		DB:       database,
		Provider: "twitch",
		Interval: 5 * time.Minute,
		Window:   15 * time.Minute,
		Refresh: func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
		},
	}
	if bot != nil {
		refresher.OnRefresh = func(accessToken string) { bot.SetToken(accessToken) }
	}
	refresher.CheckNow(ctx)
	go refresher.Run(ctx)

	handlers := server.NewHandlers(database,
		server.ProtocolStatus{
			Name:     watch.StreamStatus.String(),
			State:    func() string { return esClient.State().String() },
			Registry: hub.Registry(watch.StreamStatus),
		},
		server.ProtocolStatus{
			Name:     watch.EmoteSet.String(),
			State:    func() string { return stvClient.State().String() },
			Registry: hub.Registry(watch.EmoteSet),
		},
	)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, handlers, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// seedRegistries enqueues every stored watch target so the connection loops
// subscribe them on their first drain.
func seedRegistries(ctx context.Context, store *db.Store, hub *watch.Hub) {
	streamTargets, err := store.WatchTargets(ctx,
		events.KindLive, events.KindOffline, events.KindTitle, events.KindCategory)
	if err != nil {
		slog.Error("failed to load stream watch targets", slog.Any("err", err))
	}
	for _, id := range streamTargets {
		hub.EnqueueWatch(watch.StreamStatus, id)
	}
	emoteTargets, err := store.WatchTargets(ctx, events.KindEmoteSetUpdate)
	if err != nil {
		slog.Error("failed to load emote watch targets", slog.Any("err", err))
	}
	for _, id := range emoteTargets {
		hub.EnqueueWatch(watch.EmoteSet, id)
	}
	slog.Info("watch registries seeded",
		slog.Int("stream_status", len(streamTargets)),
		slog.Int("emote_set", len(emoteTargets)))
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT
// (text by default).
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}
