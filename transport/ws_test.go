package transport

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
)

func TestIsAbnormalReset(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"abnormal closure", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"wrapped unexpected eof", fmt.Errorf("read frame: %w", io.ErrUnexpectedEOF), true},
		{"econnreset", syscall.ECONNRESET, true},
		{"epipe", syscall.EPIPE, true},
		{"normal closure", &websocket.CloseError{Code: websocket.CloseNormalClosure}, false},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAbnormalReset(tt.err); got != tt.want {
				t.Errorf("IsAbnormalReset(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsGracefulClose(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"normal closure", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"service restart", &websocket.CloseError{Code: websocket.CloseServiceRestart}, true},
		{"abnormal closure", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsGracefulClose(tt.err); got != tt.want {
				t.Errorf("IsGracefulClose(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
