// Command sithra-onebot is a OneBot v11 adapter plugin: it maintains a
// reconnecting WebSocket connection to a OneBot-compatible gateway,
// translates inbound events into datapacks forwarded to the host, and
// serves outbound SendMessage/SetMute requests by calling back into the
// gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelbots/sithra/internal/bus"
	"github.com/kestrelbots/sithra/internal/client"
	"github.com/kestrelbots/sithra/internal/logging"
	"github.com/kestrelbots/sithra/internal/onebot"
	"github.com/kestrelbots/sithra/internal/pluginrt"
	"github.com/kestrelbots/sithra/internal/protocol"
)

const pluginName = "sithra-onebot"
const pluginVersion = "0.1.0"

// Config is the per-plugin configuration decoded from the init packet's
// config payload, matching spec §6's onebot adapter fields.
// HealthCheckInterval is in seconds.
type Config struct {
	WsURL               string `msgpack:"ws-url"`
	Token               string `msgpack:"token"`
	HealthCheckInterval int64  `msgpack:"health-check-interval"`
}

// forwardingSink adapts *client.Client.Send to onebot.Sink: a plugin
// process has exactly one outbound pipe to the host, so every translated
// event is just sent as a fire-and-forget request.
type forwardingSink struct {
	client *client.Client
}

func (s forwardingSink) Publish(e bus.Envelope) {
	pkt, ok := e.Packet.(*protocol.Datapack)
	if !ok {
		return
	}
	_ = s.client.Send(pkt)
}

func main() {
	pluginrt.HandleCLIFlags(pluginName, pluginVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plugin, cfg := pluginrt.New[Config](ctx, nil, func(ctx context.Context, cfg Config, id, dataPath string) error {
		if cfg.WsURL == "" {
			return fmt.Errorf("sithra-onebot: ws-url is required")
		}
		return nil
	})

	healthInterval := time.Duration(cfg.HealthCheckInterval) * time.Second
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}

	logger := logging.NewForwardingLogger(plugin.Client())
	mgr := onebot.NewConnectionManager(cfg.WsURL, cfg.Token, logger)

	botID := fmt.Sprintf("onebot-%d", os.Getpid())
	sink := forwardingSink{client: plugin.Client()}
	adapter := onebot.NewAdapter(botID, mgr.IsLoopback(), sink, healthInterval, logger)
	adapter.Register(plugin.Router())

	done := make(chan struct{}, 2)
	go func() {
		mgr.RunWithReconnect(ctx, adapter.HandleConnection)
		done <- struct{}{}
	}()
	go func() {
		_ = plugin.Run(ctx)
		done <- struct{}{}
	}()

	<-ctx.Done()
	<-done
}
