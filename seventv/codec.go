// Package seventv implements the 7TV EventAPI websocket client used to watch
// emote set changes. The wire envelope is an integer opcode plus an opaque
// payload; only emote_set.update dispatches become domain events.
package seventv

import (
	"encoding/json"
	"fmt"

	"github.com/onnwee/stream-herald/events"
)

// EventAPI opcodes.
const (
	OpDispatch    = 0
	OpHello       = 1
	OpHeartbeat   = 2
	OpReconnect   = 4
	OpError       = 6
	OpEndOfStream = 7
	OpResume      = 34
	OpSubscribe   = 35
)

// MessageKind tags a decoded EventAPI frame.
type MessageKind int

const (
	MessageUnrecognized MessageKind = iota
	MessageHello
	MessageHeartbeat
	MessageNotification
	MessageReconnect
	MessageError
	MessageEndOfStream
)

// SetUpdate is the decoded body of an emote_set.update dispatch. The client
// maps SetID back to the watched channel.
type SetUpdate struct {
	SetID   string
	Actor   string
	Changes []events.EmoteChange
}

// DecodedMessage is the tagged result of decoding one frame.
type DecodedMessage struct {
	Kind      MessageKind
	SessionID string     // hello
	Update    *SetUpdate // emote_set.update dispatches
	Detail    string     // error and end-of-stream frames
}

type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type dispatchPayload struct {
	Type string `json:"type"`
	Body struct {
		ID    string `json:"id"`
		Actor struct {
			DisplayName string `json:"display_name"`
			Username    string `json:"username"`
		} `json:"actor"`
		Pushed []struct {
			Value struct {
				Name string `json:"name"`
			} `json:"value"`
		} `json:"pushed"`
		Pulled []struct {
			OldValue struct {
				Name string `json:"name"`
			} `json:"old_value"`
		} `json:"pulled"`
		Updated []struct {
			Value struct {
				Name string `json:"name"`
			} `json:"value"`
			OldValue struct {
				Name string `json:"name"`
			} `json:"old_value"`
		} `json:"updated"`
	} `json:"body"`
}

// Decode parses one EventAPI frame. Dispatch types other than
// emote_set.update come back as MessageUnrecognized rather than an error.
func Decode(raw []byte) (*DecodedMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("eventapi frame: %w", err)
	}
	switch env.Op {
	case OpHello:
		var d struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(env.D, &d); err != nil {
			return nil, fmt.Errorf("eventapi hello: %w", err)
		}
		return &DecodedMessage{Kind: MessageHello, SessionID: d.SessionID}, nil
	case OpHeartbeat:
		return &DecodedMessage{Kind: MessageHeartbeat}, nil
	case OpDispatch:
		return decodeDispatch(env.D)
	case OpReconnect:
		return &DecodedMessage{Kind: MessageReconnect}, nil
	case OpError:
		var d struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.D, &d)
		return &DecodedMessage{Kind: MessageError, Detail: d.Message}, nil
	case OpEndOfStream:
		var d struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.D, &d)
		return &DecodedMessage{Kind: MessageEndOfStream, Detail: fmt.Sprintf("%d %s", d.Code, d.Message)}, nil
	default:
		return &DecodedMessage{Kind: MessageUnrecognized}, nil
	}
}

func decodeDispatch(raw json.RawMessage) (*DecodedMessage, error) {
	var d dispatchPayload
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("eventapi dispatch: %w", err)
	}
	if d.Type != "emote_set.update" {
		return &DecodedMessage{Kind: MessageUnrecognized}, nil
	}
	actor := d.Body.Actor.DisplayName
	if actor == "" {
		actor = d.Body.Actor.Username
	}
	up := &SetUpdate{SetID: d.Body.ID, Actor: actor}
	for _, p := range d.Body.Pushed {
		up.Changes = append(up.Changes, events.EmoteChange{Action: events.EmotePushed, Name: p.Value.Name})
	}
	for _, p := range d.Body.Pulled {
		up.Changes = append(up.Changes, events.EmoteChange{Action: events.EmotePulled, Name: p.OldValue.Name, OldName: p.OldValue.Name})
	}
	for _, u := range d.Body.Updated {
		up.Changes = append(up.Changes, events.EmoteChange{Action: events.EmoteUpdated, Name: u.Value.Name, OldName: u.OldValue.Name})
	}
	return &DecodedMessage{Kind: MessageNotification, Update: up}, nil
}

// EncodeSubscribe builds an op 35 frame subscribing to updates of one emote
// set.
func EncodeSubscribe(emoteSetID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"op": OpSubscribe,
		"d": map[string]any{
			"type": "emote_set.update",
			"condition": map[string]string{
				"object_id": emoteSetID,
			},
		},
	})
}

// EncodeResume builds an op 34 frame resuming a previous session.
func EncodeResume(sessionID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"op": OpResume,
		"d": map[string]string{
			"session_id": sessionID,
		},
	})
}
