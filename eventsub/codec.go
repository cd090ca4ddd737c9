// Package eventsub implements the Twitch EventSub websocket client used to
// watch stream status. It decodes the self-typed EventSub envelope, drives
// the session state machine, and keeps the stream-status subscription
// registry in sync with the server.
package eventsub

import (
	"encoding/json"
	"fmt"

	"github.com/onnwee/stream-herald/events"
)

// MessageKind tags a decoded EventSub frame.
type MessageKind int

const (
	MessageUnrecognized MessageKind = iota
	MessageWelcome
	MessageKeepalive
	MessageNotification
	MessageReconnect
	MessageRevocation
)

// Session identifies one EventSub websocket session. ReconnectURL is only set
// on session_reconnect frames.
type Session struct {
	ID           string
	ReconnectURL string
}

// ChannelUpdate carries the current title and category from a channel.update
// notification. Old values are not on the wire; the client derives them from
// its own cache.
type ChannelUpdate struct {
	BroadcasterID    string
	BroadcasterLogin string
	Title            string
	CategoryName     string
}

// DecodedMessage is the tagged result of decoding one frame. Exactly the
// fields relevant to Kind are populated.
type DecodedMessage struct {
	Kind    MessageKind
	Session *Session       // welcome, reconnect
	Event   *events.Event  // stream.online / stream.offline notifications
	Update  *ChannelUpdate // channel.update notifications
	SubType string         // notification and revocation subscription type
	Target  string         // revocation: broadcaster id whose subscription was dropped
}

type wireFrame struct {
	Metadata struct {
		MessageType string `json:"message_type"`
	} `json:"metadata"`
	Payload struct {
		Session *struct {
			ID           string `json:"id"`
			ReconnectURL string `json:"reconnect_url"`
		} `json:"session"`
		Subscription struct {
			Type      string `json:"type"`
			Condition struct {
				BroadcasterUserID string `json:"broadcaster_user_id"`
			} `json:"condition"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

type wireEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	Title                string `json:"title"`
	CategoryName         string `json:"category_name"`
}

// Decode parses one EventSub frame. Unknown message and subscription types
// come back as MessageUnrecognized rather than an error; only malformed JSON
// or a structurally impossible frame is a decode failure.
func Decode(raw []byte) (*DecodedMessage, error) {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("eventsub frame: %w", err)
	}
	switch f.Metadata.MessageType {
	case "session_welcome":
		if f.Payload.Session == nil || f.Payload.Session.ID == "" {
			return nil, fmt.Errorf("eventsub welcome without session")
		}
		return &DecodedMessage{
			Kind:    MessageWelcome,
			Session: &Session{ID: f.Payload.Session.ID, ReconnectURL: f.Payload.Session.ReconnectURL},
		}, nil
	case "session_keepalive":
		return &DecodedMessage{Kind: MessageKeepalive}, nil
	case "session_reconnect":
		if f.Payload.Session == nil || f.Payload.Session.ReconnectURL == "" {
			return nil, fmt.Errorf("eventsub reconnect without reconnect_url")
		}
		return &DecodedMessage{
			Kind:    MessageReconnect,
			Session: &Session{ID: f.Payload.Session.ID, ReconnectURL: f.Payload.Session.ReconnectURL},
		}, nil
	case "notification":
		return decodeNotification(&f)
	case "revocation":
		return &DecodedMessage{
			Kind:    MessageRevocation,
			SubType: f.Payload.Subscription.Type,
			Target:  f.Payload.Subscription.Condition.BroadcasterUserID,
		}, nil
	default:
		return &DecodedMessage{Kind: MessageUnrecognized}, nil
	}
}

func decodeNotification(f *wireFrame) (*DecodedMessage, error) {
	var ev wireEvent
	if err := json.Unmarshal(f.Payload.Event, &ev); err != nil {
		return nil, fmt.Errorf("eventsub notification event: %w", err)
	}
	subType := f.Payload.Subscription.Type
	switch subType {
	case "stream.online":
		return &DecodedMessage{
			Kind:    MessageNotification,
			SubType: subType,
			Event: &events.Event{
				TargetID:    ev.BroadcasterUserID,
				TargetLogin: ev.BroadcasterUserLogin,
				Kind:        events.KindLive,
			},
		}, nil
	case "stream.offline":
		return &DecodedMessage{
			Kind:    MessageNotification,
			SubType: subType,
			Event: &events.Event{
				TargetID:    ev.BroadcasterUserID,
				TargetLogin: ev.BroadcasterUserLogin,
				Kind:        events.KindOffline,
			},
		}, nil
	case "channel.update":
		return &DecodedMessage{
			Kind:    MessageNotification,
			SubType: subType,
			Update: &ChannelUpdate{
				BroadcasterID:    ev.BroadcasterUserID,
				BroadcasterLogin: ev.BroadcasterUserLogin,
				Title:            ev.Title,
				CategoryName:     ev.CategoryName,
			},
		}, nil
	default:
		return &DecodedMessage{Kind: MessageUnrecognized, SubType: subType}, nil
	}
}
