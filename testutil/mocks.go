package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUserResponse adds a handler for the /users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}
}

// MockChattersResponse adds a handler for the /chat/chatters endpoint
func (m *MockTwitchServer) MockChattersResponse(logins []string) {
	m.Handlers["/chat/chatters"] = func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]string, 0, len(logins))
		for _, l := range logins {
			data = append(data, map[string]string{"user_login": l})
		}
		response := map[string]interface{}{
			"data":       data,
			"pagination": map[string]string{},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}
}

// MockChattersFailure makes the chatters endpoint return a server error
func (m *MockTwitchServer) MockChattersFailure(status int) {
	m.Handlers["/chat/chatters"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// MockEventSubAccept accepts every subscription request and records the types seen
func (m *MockTwitchServer) MockEventSubAccept(seen *[]string) {
	m.Handlers["/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type string `json:"type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if seen != nil {
			*seen = append(*seen, body.Type)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// MockEventSubReject rejects every subscription request
func (m *MockTwitchServer) MockEventSubReject(status int) {
	m.Handlers["/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}
}

// MockSevenTVUserResponse adds a handler for the 7TV users-by-twitch-id endpoint
func (m *MockTwitchServer) MockSevenTVUserResponse(twitchID, username, emoteSetID string) {
	m.Handlers["/users/twitch/"+twitchID] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"username": username,
			"user": map[string]interface{}{
				"username": username,
			},
			"emote_set": map[string]interface{}{
				"id": emoteSetID,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}
}

// MockWSServer is a websocket test server. Each incoming connection is handed
// to the session callback on its own goroutine.
type MockWSServer struct {
	*httptest.Server
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewMockWSServer starts a websocket server whose behavior is defined by session.
func NewMockWSServer(t *testing.T, session func(conn *websocket.Conn)) *MockWSServer {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session(conn)
	}))
	t.Cleanup(srv.Close)
	return &MockWSServer{Server: srv}
}

// WSURL returns the ws:// address of the server.
func (m *MockWSServer) WSURL() string {
	return "ws" + strings.TrimPrefix(m.URL, "http")
}
