// Package transport wraps websocket dialing and error classification so the
// connection state machines don't depend on one library's error taxonomy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

const dialTimeout = 15 * time.Second

// Dial opens a websocket connection to url.
func Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// IsAbnormalReset reports whether err looks like the peer dropped the TCP
// connection without a websocket closing handshake. Such resets are transient:
// the server-side subscription state is assumed intact and the caller should
// redial the same URL without requeueing channels.
func IsAbnormalReset(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseAbnormalClosure) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsGracefulClose reports whether err is a clean server-side close. A graceful
// close invalidates the session: the caller must requeue all listening
// channels and go through the full reconnect sequence.
func IsGracefulClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseServiceRestart,
	)
}
