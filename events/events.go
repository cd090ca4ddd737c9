// Package events defines the domain events produced by the websocket clients
// and the notification rules that decide who hears about them.
package events

import "fmt"

// Kind identifies what happened on the watched channel.
type Kind int

const (
	KindLive Kind = iota
	KindOffline
	KindTitle
	KindCategory
	KindEmoteSetUpdate
)

func (k Kind) String() string {
	switch k {
	case KindLive:
		return "live"
	case KindOffline:
		return "offline"
	case KindTitle:
		return "title"
	case KindCategory:
		return "category"
	case KindEmoteSetUpdate:
		return "emote_set_update"
	default:
		return "unknown"
	}
}

// ParseKind maps the stored rule type back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "live":
		return KindLive, nil
	case "offline":
		return KindOffline, nil
	case "title":
		return KindTitle, nil
	case "category":
		return KindCategory, nil
	case "emote_set_update":
		return KindEmoteSetUpdate, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

// EmoteAction says what happened to a single emote in an emote set diff.
type EmoteAction int

const (
	EmotePushed EmoteAction = iota
	EmotePulled
	EmoteUpdated
)

func (a EmoteAction) String() string {
	switch a {
	case EmotePushed:
		return "pushed"
	case EmotePulled:
		return "pulled"
	case EmoteUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// EmoteChange is one entry of an emote_set.update dispatch.
// OldName is only set for pulled and updated entries.
type EmoteChange struct {
	Action  EmoteAction
	Name    string
	OldName string
}

// Event is a single detected occurrence on a watched channel. TargetID is the
// platform channel identifier (broadcaster user id). Payload fields are
// populated per Kind: Old*/New* for title and category changes, Actor and
// Changes for emote set updates.
type Event struct {
	TargetID    string
	TargetLogin string
	Kind        Kind

	OldTitle    string
	NewTitle    string
	OldCategory string
	NewCategory string

	Actor   string
	Changes []EmoteChange
}

// Flag is a per-rule behavior toggle.
type Flag int

const (
	// FlagMassping means every current viewer of the channel is mentioned,
	// not only the rule's explicit subscribers.
	FlagMassping Flag = iota
)

func (f Flag) String() string {
	if f == FlagMassping {
		return "massping"
	}
	return "unknown"
}

// ParseFlag maps a stored flag string back to a Flag.
func ParseFlag(s string) (Flag, error) {
	if s == "massping" {
		return FlagMassping, nil
	}
	return 0, fmt.Errorf("unknown event flag %q", s)
}

// Rule is a stored notification rule: when an Event with the matching target
// and kind arrives, Message is delivered to the owning channel's chat,
// mentioning the rule's subscribers.
type Rule struct {
	ID             int
	ChannelID      int
	ChannelAliasID string
	ChannelLogin   string
	TargetAliasID  string
	Kind           Kind
	Message        string
	Flags          []Flag
}

// HasFlag reports whether the rule carries the given flag.
func (r *Rule) HasFlag(f Flag) bool {
	for _, have := range r.Flags {
		if have == f {
			return true
		}
	}
	return false
}
