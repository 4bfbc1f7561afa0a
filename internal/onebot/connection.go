package onebot

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	backoffInitial       = 500 * time.Millisecond
	backoffCap           = 30 * time.Second
	backoffMaxAttempts   = 7
	reconnectCycleSleep  = 5 * time.Second
	dialHandshakeTimeout = 10 * time.Second
)

// ConnectionManager owns the upstream WebSocket URL and bearer token and
// drives the connect-with-backoff / reconnect-forever loop described in
// spec §4.6. Grounded on util.rs's ConnectionManager and
// retry_with_backoff, with the same numeric schedule: initial delay
// 500ms, doubling, capped at 30s, plus up to 1s random jitter, 7 attempts
// per connect cycle, and a 5s pause between cycles.
type ConnectionManager struct {
	wsURL  string
	token  string
	logger *slog.Logger
	dialer websocket.Dialer
}

// NewConnectionManager builds a manager for wsURL, optionally
// authenticating with a bearer token.
func NewConnectionManager(wsURL, token string, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		wsURL:  wsURL,
		token:  token,
		logger: logger,
		dialer: websocket.Dialer{HandshakeTimeout: dialHandshakeTimeout},
	}
}

// IsLoopback reports whether this manager's ws-url addresses a loopback
// host, used to decide the image-inlining strategy in the translation
// layer.
func (m *ConnectionManager) IsLoopback() bool { return isLoopback(m.wsURL) }

func (m *ConnectionManager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if m.token != "" {
		header.Set("Authorization", "Bearer "+m.token)
	}
	conn, _, err := m.dialer.DialContext(ctx, m.wsURL, header)
	return conn, err
}

// connect dials with exponential backoff and jitter, making at most
// backoffMaxAttempts attempts. After each failed attempt but the last it
// sleeps with the pre-doubled delay, then the delay is doubled and
// jittered for the next attempt.
func (m *ConnectionManager) connect(ctx context.Context) (*websocket.Conn, error) {
	delay := backoffInitial
	attempts := 0

	for {
		conn, err := m.dial(ctx)
		if err == nil {
			return conn, nil
		}
		attempts++
		if attempts >= backoffMaxAttempts {
			return nil, fmt.Errorf("onebot: all %d connect attempts failed, last error: %w", backoffMaxAttempts, err)
		}
		m.logger.Warn("websocket connect attempt failed, retrying", "attempt", attempts, "max_attempts", backoffMaxAttempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
		jitter := time.Duration(rand.Int63n(int64(time.Second)))
		delay += jitter
	}
}

// RunWithReconnect connects, invokes handler with the live connection, and
// — once handler returns (because the connection group tore itself down)
// — waits reconnectCycleSleep before retrying. It runs until ctx is
// cancelled.
func (m *ConnectionManager) RunWithReconnect(ctx context.Context, handler func(context.Context, *websocket.Conn)) {
	for ctx.Err() == nil {
		m.logger.Info("establishing websocket connection")

		conn, err := m.connect(ctx)
		if err != nil {
			m.logger.Error("failed to establish connection", "error", err)
		} else {
			m.logger.Info("websocket connection established")
			handler(ctx, conn)
			m.logger.Warn("websocket connection closed, attempting to reconnect")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectCycleSleep):
		}
	}
}
