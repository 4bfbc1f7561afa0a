package onebot

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelbots/sithra/internal/bus"
)

// Sink is the minimal capability the receive task needs to forward a
// translated event or API response onward. *bus.Bus satisfies this.
type Sink interface {
	Publish(e bus.Envelope)
}

// Adapter owns the echo correlator used by outbound send_message/set_mute
// handlers, the loopback/inlining decision for inbound images, and the
// currently-live connection's outbound queue (nil between connections).
type Adapter struct {
	botID    string
	loopback bool
	sink     Sink
	waiter   *EchoWaiter
	logger   *slog.Logger

	healthInterval time.Duration

	mu       sync.RWMutex
	outbound chan []byte
}

// NewAdapter builds an Adapter. healthInterval is the health-check-interval
// config value (spec §4.6/§6); loopback should be the manager's
// IsLoopback() at construction time.
func NewAdapter(botID string, loopback bool, sink Sink, healthInterval time.Duration, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		botID:          botID,
		loopback:       loopback,
		sink:           sink,
		waiter:         NewEchoWaiter(),
		logger:         logger,
		healthInterval: healthInterval,
	}
}

// Waiter exposes the echo correlator for route handlers.
func (a *Adapter) Waiter() *EchoWaiter { return a.waiter }

// Outbound returns the live connection's outbound queue, or nil if no
// connection is currently established. Route handlers check for nil and
// fail the request rather than blocking forever.
func (a *Adapter) Outbound() chan<- []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.outbound == nil {
		return nil
	}
	return a.outbound
}

func (a *Adapter) setOutbound(ch chan []byte) {
	a.mu.Lock()
	a.outbound = ch
	a.mu.Unlock()
}

// HandleConnection runs the send/receive/health-check task group for one
// live WebSocket connection. It returns once any one task exits, having
// torn the connection down — the caller (ConnectionManager.RunWithReconnect)
// is expected to reconnect.
func (a *Adapter) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	outbound := make(chan []byte, 256)
	healthCh := make(chan bool, 1)
	done := make(chan string, 3)

	a.setOutbound(outbound)
	defer a.setOutbound(nil)

	go func() { a.sendTask(ctx, conn, outbound); done <- "send" }()
	go func() { a.recvTask(ctx, conn, healthCh); done <- "recv" }()
	go func() { a.healthCheckTask(ctx, outbound, healthCh); done <- "health" }()

	reason := <-done
	a.logger.Warn("connection task exited, tearing down connection", "task", reason)
}

func (a *Adapter) sendTask(ctx context.Context, conn *websocket.Conn, outbound <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				a.logger.Error("failed to send message to websocket", "error", err)
				return
			}
		}
	}
}

func (a *Adapter) recvTask(ctx context.Context, conn *websocket.Conn, healthCh chan<- bool) {
	for {
		if a.healthInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(a.healthInterval))
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				a.logger.Error("no message within health-check interval, marking unhealthy")
				return
			}
			a.logger.Error("websocket receive error", "error", err)
			return
		}
		if len(raw) == 0 {
			continue
		}

		pkt, echo, health, decodeErr := DecodeIncoming(a.loopback, raw, a.botID)
		if decodeErr != nil {
			a.logger.Error("failed to parse onebot message", "error", decodeErr)
			continue
		}
		if health != nil {
			select {
			case healthCh <- *health:
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		if pkt == nil {
			continue
		}

		if resolved := a.waiter.Resolve(echo, pkt); !resolved {
			a.sink.Publish(bus.Envelope{SourceID: a.botID, Packet: pkt})
		}
	}
}

func (a *Adapter) healthCheckTask(ctx context.Context, outbound chan<- []byte, healthCh <-chan bool) {
	if a.healthInterval <= 0 {
		<-ctx.Done()
		return
	}
	timeout := a.healthInterval / 2
	ticker := time.NewTicker(a.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		body, err := EncodeGetStatus()
		if err != nil {
			a.logger.Error("failed to encode get_status probe", "error", err)
			continue
		}
		select {
		case outbound <- body:
		case <-ctx.Done():
			return
		}

		select {
		case <-ctx.Done():
			return
		case ok := <-healthCh:
			if !ok {
				a.logger.Error("health check failed")
				return
			}
		case <-time.After(timeout):
			a.logger.Error("health check timed out")
			return
		}
	}
}
