// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for user id resolution, chatter listing, and EventSub subscription
// management.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// BearerFunc supplies an access token per request. The Helix client uses a
// user (bot) token for moderator-scoped endpoints and EventSub websocket
// subscriptions, and falls back to the app token elsewhere.
type BearerFunc func(ctx context.Context) (string, error)

// HelixClient provides the Helix endpoints the notification subsystem needs.
type HelixClient struct {
	BaseURL        string // e.g. https://api.twitch.tv/helix
	ClientID       string
	AppTokenSource *TokenSource
	UserToken      BearerFunc // optional; preferred when set
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) bearer(ctx context.Context) (string, error) {
	if hc.UserToken != nil {
		tok, err := hc.UserToken(ctx)
		if err == nil && tok != "" {
			return tok, nil
		}
		if err != nil {
			slog.Warn("user token unavailable, falling back to app token", slog.Any("err", err))
		}
	}
	if hc.AppTokenSource == nil {
		return "", fmt.Errorf("no token source configured")
	}
	return hc.AppTokenSource.Get(ctx)
}

func (hc *HelixClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	tok, err := hc.bearer(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, hc.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	req, err := hc.newRequest(ctx, http.MethodGet, "/users", nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()

	resp, err := hc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("helix users request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// GetChatters lists the logins of everyone currently in the broadcaster's
// chat. Requires a user token with moderator:read:chatters; moderatorID is
// the bot's own user id. Paginates until the cursor runs out.
func (hc *HelixClient) GetChatters(ctx context.Context, broadcasterID, moderatorID string) ([]string, error) {
	if broadcasterID == "" || moderatorID == "" {
		return nil, fmt.Errorf("broadcasterID/moderatorID empty")
	}
	var out []string
	cursor := ""
	for {
		req, err := hc.newRequest(ctx, http.MethodGet, "/chat/chatters", nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("broadcaster_id", broadcasterID)
		q.Set("moderator_id", moderatorID)
		q.Set("first", "1000")
		if cursor != "" {
			q.Set("after", cursor)
		}
		req.URL.RawQuery = q.Encode()

		resp, err := hc.http().Do(req)
		if err != nil {
			return nil, err
		}
		var body struct {
			Data []struct {
				UserLogin string `json:"user_login"`
			} `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			closeBody(resp)
			return nil, fmt.Errorf("helix chatters request failed: %s: %s", resp.Status, string(b))
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		closeBody(resp)
		if err != nil {
			return nil, err
		}
		for _, c := range body.Data {
			out = append(out, c.UserLogin)
		}
		if body.Pagination.Cursor == "" {
			return out, nil
		}
		cursor = body.Pagination.Cursor
	}
}

// CreateEventSubSubscription registers an EventSub subscription delivered
// over the websocket session identified by sessionID.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, subType, version string, condition map[string]string, sessionID string) error {
	payload := map[string]any{
		"type":      subType,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := hc.newRequest(ctx, http.MethodPost, "/eventsub/subscriptions", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	// 202 Accepted on success; 409 means the subscription already exists for
	// this session, which is fine after a resumed reconnect.
	if resp.StatusCode == http.StatusConflict {
		slog.Debug("eventsub subscription already exists", slog.String("type", subType))
		return nil
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("eventsub subscribe %s failed: %s: %s", subType, resp.Status, string(b))
	}
	return nil
}
