// Package chat connects the bot to Twitch IRC and implements the chat sink
// the notification fanout delivers through.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

const reconnectDelay = 10 * time.Second

// Bot is the IRC presence of the notifier. Say may be called from any
// goroutine; the underlying client serializes writes.
type Bot struct {
	client   *twitch.Client
	channels []string
}

// NewBot builds a bot joined to the given channels. The token may be supplied
// with or without the "oauth:" prefix.
func NewBot(username, token string, channels []string) *Bot {
	b := &Bot{
		client:   twitch.NewClient(username, normalizeToken(token)),
		channels: channels,
	}
	b.client.OnConnect(func() {
		slog.Info("twitch chat connected", slog.Int("channels", len(channels)))
	})
	return b
}

// Say delivers one line to a channel's chat. The client buffers the message;
// IRC gives no per-message delivery acknowledgement.
func (b *Bot) Say(channel, line string) error {
	b.client.Say(channel, line)
	return nil
}

// Join adds a channel to the bot's chat presence at runtime.
func (b *Bot) Join(channel string) {
	b.client.Join(channel)
}

// SetToken swaps the IRC token after a refresh; takes effect on the next
// (re)connect.
func (b *Bot) SetToken(token string) {
	b.client.SetIRCToken(normalizeToken(token))
}

// Run connects and stays connected until ctx is cancelled. Connection loss is
// logged and retried; it never terminates the process.
func (b *Bot) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		if err := b.client.Disconnect(); err != nil {
			slog.Debug("twitch chat disconnect", slog.Any("err", err))
		}
	}()

	b.client.Join(b.channels...)
	for ctx.Err() == nil {
		err := b.client.Connect()
		if ctx.Err() != nil {
			return
		}
		slog.Error("twitch chat connection lost, retrying", slog.Any("err", err))
		t := time.NewTimer(reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func normalizeToken(token string) string {
	if token == "" || strings.HasPrefix(token, "oauth:") {
		return token
	}
	return "oauth:" + token
}
