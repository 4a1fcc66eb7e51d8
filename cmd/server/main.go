package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HMasataka/familyrelay/internal/config"
	"github.com/HMasataka/familyrelay/internal/eventbus"
	"github.com/HMasataka/familyrelay/internal/logging"
	"github.com/HMasataka/familyrelay/internal/server"
	"github.com/HMasataka/familyrelay/pkg/errors"
	"github.com/HMasataka/familyrelay/pkg/keepalive"
	"github.com/HMasataka/familyrelay/pkg/membership"
	"github.com/HMasataka/familyrelay/pkg/relay"
	"github.com/HMasataka/familyrelay/pkg/transport/websocket"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "path to a YAML or JSON config file")
	logLevel := pflag.String("log-level", "", "override logging.level (debug, info, warn, error)")
	logFormat := pflag.String("log-format", "", "override logging.format (json, text, pretty)")
	pflag.Parse()

	cfg, err := config.Load(config.LoadOptions{Path: *configPath})
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.NewInMemoryBus(1024)
	bus.Start(ctx)
	defer bus.Stop()

	busLogger := logger.WithFields(map[string]any{"component": "eventbus"})
	bus.SubscribeAll(func(event *eventbus.Event) {
		busLogger.Debug("event",
			"type", event.Type,
			"source", event.Source,
			"data", event.Data,
			"metadata", event.Metadata,
		)
	})

	store := membership.NewStore()
	router := relay.NewRouter(store,
		relay.WithLogger(logger.WithFields(map[string]any{"component": "relay"})),
		relay.WithEventBus(bus),
		relay.WithRequireMembership(cfg.Relay.RequireMembership),
	)

	ws := websocket.NewServer(store, router,
		websocket.WithLogger(logger.WithFields(map[string]any{"component": "websocket"})),
		websocket.WithEventBus(bus),
		websocket.WithErrorHandler(errors.NewDefaultHandler(logger.Logger)),
		websocket.WithBufferSizes(cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize),
		websocket.WithConnectionOptions(websocket.ConnectionOptions{
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			ReadTimeout:    cfg.WebSocket.ReadTimeout,
			PingInterval:   cfg.WebSocket.PingInterval,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			SendBufferSize: cfg.WebSocket.SendBufferSize,
		}),
	)

	srv := server.New(cfg, server.NewRouter(ws, router, logger), logger)

	pinger := keepalive.New(keepalive.Options{
		URL:      keepalive.URLForHost(cfg.KeepAlive.ExternalHost),
		Interval: cfg.KeepAlive.Interval,
		Timeout:  cfg.KeepAlive.Timeout,
		Logger:   logger.WithFields(map[string]any{"component": "keepalive"}),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.ListenAndServe)

	g.Go(func() error {
		return pinger.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		ws.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		return err
	}

	stats := router.Stats()
	logger.Info("server stopped",
		"messages_received", stats.MessagesReceived,
		"messages_sent", stats.MessagesSent,
		"messages_dropped", stats.MessagesDropped,
	)
	return nil
}
