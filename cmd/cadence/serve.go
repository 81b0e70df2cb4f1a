package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/cadence/internal/api"
	"github.com/nugget/cadence/internal/buildinfo"
	"github.com/nugget/cadence/internal/classifier"
	"github.com/nugget/cadence/internal/config"
	"github.com/nugget/cadence/internal/conversation"
	"github.com/nugget/cadence/internal/events"
	"github.com/nugget/cadence/internal/mqtt"
	"github.com/nugget/cadence/internal/opstate"
	"github.com/nugget/cadence/internal/slack"
	"github.com/nugget/cadence/internal/temporal"
)

// runServe starts every long-running component and blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives.
//
// The shutdown sequence is:
//  1. The signal cancels the shared context
//  2. The socket closes; the bridge drains in-flight messages
//  3. The API server drains in-flight requests
//  4. MQTT publishes "offline" and disconnects
//  5. The state database is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := slog.New(slog.NewTextHandler(stdout, nil))
	logger.Info("starting Cadence", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"default_timezone", cfg.DefaultTimezone,
	)

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	state, err := opstate.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open state database %s: %w", cfg.DBPath(), err)
	}
	defer state.Close()
	logger.Info("state database opened", "path", cfg.DBPath())

	bus := events.New()
	svc, err := buildServices(cfg, state, bus, logger)
	if err != nil {
		return err
	}

	tracker := conversation.NewTracker(conversation.TrackerConfig{
		Store:  conversation.NewSQLStore(state),
		Logger: logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	checks := map[string]api.Check{
		"state": func(context.Context) error {
			_, err := state.Count("conversation")
			return err
		},
	}

	// --- Slack ---
	if svc.slack != nil {
		if err := startSlack(ctx, g, cfg, svc, tracker, logger); err != nil {
			return err
		}
	} else {
		logger.Warn("slack not configured - only the operator API is available")
	}

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		loc, _ := temporal.LoadZone(cfg.DefaultTimezone) // already validated
		mqttPub = mqtt.New(cfg.MQTT, instanceID, bus, mqtt.NewActivityStats(loc), logger)
		g.Go(func() error {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
		checks["mqtt"] = mqttPub.AwaitConnection

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishInterval,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Retention sweeper ---
	sw := &sweeper{
		interval: cfg.Retention.SweepInterval,
		targets: []sweepTarget{
			{name: "conversation", retention: cfg.Retention.Conversation, sweep: tracker.Sweep},
			{name: "timezone", retention: cfg.Retention.Timezone, sweep: svc.zones.Sweep},
		},
		bus:    bus,
		logger: logger,
	}
	g.Go(func() error {
		sw.run(ctx)
		return nil
	})

	// --- Operator API ---
	server := api.NewServer(api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		Rundown: svc.rundown,
		Zones:   svc.zones,
		Checks:  checks,
		Logger:  logger,
	})
	g.Go(func() error { return server.Start(ctx) })

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Cadence stopped")
	return nil
}

// startSlack verifies the bot token, then runs the socket and the
// bridge in g.
func startSlack(ctx context.Context, g *errgroup.Group, cfg *config.Config, svc *services, tracker *conversation.Tracker, logger *slog.Logger) error {
	authCtx, authCancel := context.WithTimeout(ctx, 15*time.Second)
	defer authCancel()
	self, err := svc.slack.AuthTest(authCtx)
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	logger.Info("connected to Slack", "bot_user_id", self.UserID, "team", self.Team)

	cls, err := classifier.New(classifier.Config{
		URL:     cfg.Classifier.URL,
		APIKey:  cfg.Classifier.APIKey,
		Timeout: cfg.Timeouts.Classifier,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	socket := slack.NewSocketClient(slack.SocketConfig{Connector: svc.slack, Logger: logger})
	bridge := slack.NewBridge(slack.BridgeConfig{
		Source:        socket,
		Poster:        svc.slack,
		Tracker:       tracker,
		Classifier:    cls,
		Dispatcher:    svc.dispatcher(slack.PosterReplier(svc.slack)),
		Bus:           svc.bus,
		BotUserID:     self.UserID,
		RatePerMinute: cfg.RateLimit.PerUserPerMinute,
		HandleTimeout: cfg.Timeouts.Handle,
		Logger:        logger,
	})

	g.Go(func() error { return socket.Run(ctx) })
	g.Go(func() error {
		bridge.Start(ctx)
		return nil
	})
	return nil
}
