// Package seventvapi resolves Twitch users to their 7TV emote sets via the
// 7TV REST API.
package seventvapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// UserInfo is the subset of the 7TV user payload the watcher needs: the
// account's display name and its active emote set.
type UserInfo struct {
	Username   string
	EmoteSetID string
}

// Client talks to the 7TV REST API.
type Client struct {
	BaseURL    string // e.g. https://7tv.io/v3
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// UserByTwitchID looks up the 7TV account connected to a Twitch user id and
// returns its username and active emote set id.
func (c *Client) UserByTwitchID(ctx context.Context, twitchID string) (*UserInfo, error) {
	if twitchID == "" {
		return nil, fmt.Errorf("twitchID empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/users/twitch/"+twitchID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no 7tv account for twitch id %s", twitchID)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("7tv user lookup failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Username string `json:"username"`
		User     struct {
			Username string `json:"username"`
		} `json:"user"`
		EmoteSet struct {
			ID string `json:"id"`
		} `json:"emote_set"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	username := body.Username
	if username == "" {
		username = body.User.Username
	}
	if body.EmoteSet.ID == "" {
		return nil, fmt.Errorf("twitch id %s has no active emote set", twitchID)
	}
	return &UserInfo{Username: username, EmoteSetID: body.EmoteSet.ID}, nil
}
