package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
)

// TokenSource fetches and caches a Twitch app access (client credentials)
// token. NOTE: this token CANNOT be used for IRC chat or moderator-scoped
// endpoints; those require the stored bot user token.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Twitch token endpoint (tests).
	TokenURL string
	// HTTPClient overrides the client used for the token request (tests).
	HTTPClient *http.Client

	mu  sync.Mutex
	src oauth2.TokenSource
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}

	ts.mu.Lock()
	if ts.src == nil {
		tokenURL := ts.TokenURL
		if tokenURL == "" {
			tokenURL = twitch.Endpoint.TokenURL
		}
		conf := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     tokenURL,
		}
		srcCtx := context.Background()
		if ts.HTTPClient != nil {
			srcCtx = context.WithValue(srcCtx, oauth2.HTTPClient, ts.HTTPClient)
		}
		// TokenSource caches and refreshes automatically near expiry.
		ts.src = conf.TokenSource(srcCtx)
	}
	src := ts.src
	ts.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
