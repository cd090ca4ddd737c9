// Package notify turns detected events into chat messages: it resolves the
// audience for each matching rule, wraps the mention list under the platform
// message budget, and hands the resulting lines to the chat sink.
package notify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/onnwee/stream-herald/events"
	"github.com/onnwee/stream-herald/telemetry"
)

const linePrefix = "⚡ "

// ChatSink delivers one line to a channel's chat. A failed line is logged and
// skipped; later lines still go out.
type ChatSink interface {
	Say(channel, line string) error
}

// ChatterLister fetches the current viewers of a channel. Used only for
// massping rules.
type ChatterLister interface {
	GetChatters(ctx context.Context, broadcasterID, moderatorID string) ([]string, error)
}

// RuleSource loads notification rules and their explicit subscribers.
type RuleSource interface {
	RulesFor(ctx context.Context, targetAliasID string, kind events.Kind) ([]events.Rule, error)
	SubscriberHandles(ctx context.Context, ruleID int) ([]string, error)
}

// Notifier fans one event out to every configured rule.
type Notifier struct {
	Rules    RuleSource
	Chat     ChatSink
	Chatters ChatterLister
	// BotUserID is passed as the moderator id on chatter lookups.
	BotUserID string
	// MaxMessageLen is the platform's hard per-message character budget.
	MaxMessageLen int
	// OnEvent, when set, is called once per event before any fanout work so
	// auditing collaborators see the event even if no rule matches.
	OnEvent func(ctx context.Context, ev *events.Event)
}

func (n *Notifier) maxLen() int {
	if n.MaxMessageLen > 0 {
		return n.MaxMessageLen
	}
	return 500
}

// Dispatch processes one event to completion. Every failure inside is
// degraded and logged; Dispatch never propagates an error back into the
// connection loop that produced the event.
func (n *Notifier) Dispatch(ctx context.Context, ev *events.Event) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "notify", "notify.dispatch")
	defer span.End()

	if n.OnEvent != nil {
		n.OnEvent(ctx, ev)
	}
	telemetry.TimeFunc(telemetry.FanoutDuration, func() {
		n.fanout(ctx, ev)
	})
	telemetry.SetSpanSuccess(span)
}

func (n *Notifier) fanout(ctx context.Context, ev *events.Event) {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("target", ev.TargetID), slog.String("kind", ev.Kind.String()))

	rules, err := n.Rules.RulesFor(ctx, ev.TargetID, ev.Kind)
	if err != nil {
		log.Error("failed to load rules", slog.Any("err", err))
		return
	}
	for i := range rules {
		n.deliver(ctx, log, &rules[i], ev)
	}
}

func (n *Notifier) deliver(ctx context.Context, log *slog.Logger, r *events.Rule, ev *events.Event) {
	log = log.With(slog.Int("rule_id", r.ID), slog.String("channel", r.ChannelLogin))

	line := formatMessage(r.Message, ev)
	audience := n.resolveAudience(ctx, log, r)

	var out []string
	if len(audience) == 0 {
		out = []string{linePrefix + line}
	} else {
		mentions := make([]string, 0, len(audience))
		for _, h := range audience {
			mentions = append(mentions, "@"+h)
		}
		budget := n.maxLen() - len(line)
		if budget < 1 {
			budget = 1
		}
		for _, chunk := range Wrap(mentions, ", ", budget) {
			out = append(out, linePrefix+line+" · "+chunk)
		}
	}

	for _, msg := range out {
		if err := n.Chat.Say(r.ChannelLogin, msg); err != nil {
			telemetry.DeliveryFailures.Inc()
			log.Error("failed to deliver notification line", slog.Any("err", err))
			continue
		}
		telemetry.NotificationsSent.Inc()
	}
	log.Info("notification delivered",
		slog.Int("lines", len(out)), slog.Int("audience", len(audience)))
}

// resolveAudience unions explicit subscribers with, for massping rules, the
// owning channel's current viewers. A failed chatter fetch degrades to the
// explicit subscribers alone. Handles are deduplicated case-sensitively,
// preserving first-seen order.
func (n *Notifier) resolveAudience(ctx context.Context, log *slog.Logger, r *events.Rule) []string {
	handles, err := n.Rules.SubscriberHandles(ctx, r.ID)
	if err != nil {
		log.Error("failed to load subscribers", slog.Any("err", err))
		handles = nil
	}
	if r.HasFlag(events.FlagMassping) && n.Chatters != nil {
		chatters, err := n.Chatters.GetChatters(ctx, r.ChannelAliasID, n.BotUserID)
		if err != nil {
			telemetry.ChatterFetchFailures.Inc()
			log.Warn("chatter fetch failed, degrading to explicit subscribers", slog.Any("err", err))
		} else {
			handles = append(handles, chatters...)
		}
	}

	seen := make(map[string]struct{}, len(handles))
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// formatMessage substitutes the rule template's placeholders from the event.
func formatMessage(template string, ev *events.Event) string {
	target := ev.TargetLogin
	if target == "" {
		target = ev.TargetID
	}
	r := strings.NewReplacer(
		"{target}", target,
		"{title}", ev.NewTitle,
		"{old_title}", ev.OldTitle,
		"{category}", ev.NewCategory,
		"{old_category}", ev.OldCategory,
		"{actor}", ev.Actor,
		"{changes}", describeChanges(ev.Changes),
	)
	return r.Replace(template)
}

// describeChanges renders an emote set diff as "+added -removed old ➞ new".
func describeChanges(changes []events.EmoteChange) string {
	if len(changes) == 0 {
		return ""
	}
	parts := make([]string, 0, len(changes))
	for _, c := range changes {
		switch c.Action {
		case events.EmotePushed:
			parts = append(parts, "+"+c.Name)
		case events.EmotePulled:
			parts = append(parts, "-"+c.Name)
		case events.EmoteUpdated:
			parts = append(parts, c.OldName+" ➞ "+c.Name)
		}
	}
	return strings.Join(parts, ", ")
}
