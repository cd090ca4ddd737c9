// Package oauth keeps the persisted bot user token fresh. A background
// refresher performs jittered checks against the oauth_tokens table and
// refreshes when expiry falls within a configured window.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/stream-herald/db"
)

// RefreshFunc performs the provider-specific refresh and returns
// (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// Refresher periodically renews one provider's token row.
type Refresher struct {
	DB       *sql.DB
	Provider string
	// Interval is how often to wake up and check; Window is the remaining
	// lifetime at which a refresh is triggered.
	Interval time.Duration
	Window   time.Duration
	Refresh  RefreshFunc
	// OnRefresh, when set, receives the new access token so live consumers
	// (the IRC client) can pick it up without a restart.
	OnRefresh func(accessToken string)
}

func (r *Refresher) interval() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	return 5 * time.Minute
}

func (r *Refresher) window() time.Duration {
	if r.Window > 0 {
		return r.Window
	}
	return 15 * time.Minute
}

// Run blocks until ctx is cancelled. An initial random delay and per-check
// jitter spread load when several instances share the table.
func (r *Refresher) Run(ctx context.Context) {
	interval := r.interval()
	//nolint:gosec // G404: scheduling jitter, not security sensitive
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}
	for {
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: scheduling jitter, not security sensitive
		jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
		sleep := interval + jitter
		if sleep < interval/2 {
			sleep = interval / 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		r.checkOnce(ctx)
	}
}

// CheckNow runs a single refresh check immediately. Used at startup so a
// token that expired while the process was down is renewed before the IRC
// client connects.
func (r *Refresher) CheckNow(ctx context.Context) {
	r.checkOnce(ctx)
}

func (r *Refresher) checkOnce(ctx context.Context) {
	_, refresh, expiry, scope, err := db.GetOAuthToken(ctx, r.DB, r.Provider)
	if err != nil {
		slog.Warn("token row load failed", slog.String("provider", r.Provider), slog.Any("err", err))
		return
	}
	if refresh == "" {
		return
	}
	if time.Until(expiry) > r.window() {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAccess, newRefresh, newExpiry, newScope, err := r.Refresh(rctx, refresh)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", r.Provider), slog.Any("err", err))
		return
	}
	if newRefresh == "" {
		newRefresh = refresh
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, r.DB, r.Provider, newAccess, newRefresh, newExpiry, newScope); err != nil {
		slog.Warn("token persist failed", slog.String("provider", r.Provider), slog.Any("err", err))
		return
	}
	slog.Info("token refreshed", slog.String("provider", r.Provider))
	if r.OnRefresh != nil {
		r.OnRefresh(newAccess)
	}
}
