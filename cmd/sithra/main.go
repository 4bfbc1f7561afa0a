// Command sithra is the bot orchestration host: it loads the plugin
// config store, spawns every enabled plugin, and relays datapacks between
// them over the broadcast bus until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrelbots/sithra/internal/buildinfo"
	"github.com/kestrelbots/sithra/internal/loader"
	"github.com/kestrelbots/sithra/internal/logging"
	"github.com/kestrelbots/sithra/internal/pluginconfig"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the base plugin config file")
	fragmentsDir := flag.String("fragments", "config.d", "directory of per-plugin config fragments")
	dataDir := flag.String("data", "data", "root directory for per-plugin data directories")
	logLevel := flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sithra: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: logging.ReplaceLevelNames,
	}))

	store, err := pluginconfig.Load(*configPath, *fragmentsDir)
	if err != nil {
		logger.Error("failed to load plugin config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := loader.New(logger)
	defer l.Close()

	if errs := l.LoadAll(ctx, store, *dataDir); len(errs) > 0 {
		for id, loadErr := range errs {
			logger.Error("plugin failed to load", "plugin", id, "error", loadErr)
		}
	}

	logger.Info("sithra running", "plugins", l.List())
	<-ctx.Done()
	logger.Info("shutting down")
}
