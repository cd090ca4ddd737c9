package twitchapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/onnwee/stream-herald/testutil"
)

func TestRefreshToken(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockOAuthTokenResponse("refreshed-tok", 7200)

	orig := tokenEndpoint
	tokenEndpoint = mock.URL + "/oauth2/token"
	t.Cleanup(func() { tokenEndpoint = orig })

	res, err := RefreshToken(context.Background(), "cid", "secret", "old-refresh")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if res.AccessToken != "refreshed-tok" {
		t.Errorf("AccessToken = %q, want refreshed-tok", res.AccessToken)
	}
	if res.ExpiresIn != 7200 {
		t.Errorf("ExpiresIn = %d, want 7200", res.ExpiresIn)
	}
}

func TestRefreshTokenMissingInputs(t *testing.T) {
	if _, err := RefreshToken(context.Background(), "", "secret", "rt"); err == nil {
		t.Fatal("expected error with empty clientID")
	}
}

func TestRefreshTokenFailureStatus(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}

	orig := tokenEndpoint
	tokenEndpoint = mock.URL + "/oauth2/token"
	t.Cleanup(func() { tokenEndpoint = orig })

	if _, err := RefreshToken(context.Background(), "cid", "secret", "rt"); err == nil {
		t.Fatal("expected error on 400")
	}
}

func TestComputeExpiry(t *testing.T) {
	now := time.Now()
	if exp := ComputeExpiry(120); exp.Before(now.Add(100*time.Second)) || exp.After(now.Add(140*time.Second)) {
		t.Errorf("ComputeExpiry(120) = %v, want ~now+120s", exp)
	}
	if exp := ComputeExpiry(0); exp.Before(now.Add(55 * time.Minute)) {
		t.Errorf("ComputeExpiry(0) = %v, want ~now+60m", exp)
	}
}
