// Package main is the entry point for the bridgekeeper notification
// bridge: it loads configuration, wires every internal component
// described in the design, and runs the supervisor until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nugget/bridgekeeper/internal/buildinfo"
	"github.com/nugget/bridgekeeper/internal/chatclient"
	"github.com/nugget/bridgekeeper/internal/config"
	"github.com/nugget/bridgekeeper/internal/controlplane"
	"github.com/nugget/bridgekeeper/internal/dispatcher"
	"github.com/nugget/bridgekeeper/internal/eventmodel"
	"github.com/nugget/bridgekeeper/internal/events"
	"github.com/nugget/bridgekeeper/internal/ingress/pull"
	"github.com/nugget/bridgekeeper/internal/ingress/push"
	"github.com/nugget/bridgekeeper/internal/intake"
	"github.com/nugget/bridgekeeper/internal/integrity"
	"github.com/nugget/bridgekeeper/internal/ratelimit"
	"github.com/nugget/bridgekeeper/internal/resilience"
	"github.com/nugget/bridgekeeper/internal/responsestore"
	"github.com/nugget/bridgekeeper/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
			return
		case "quarantine":
			runQuarantine(logger, *configPath, flag.Args()[1:])
			return
		case "serve":
			// fallthrough to default run below
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	if err := run(logger, *configPath); err != nil {
		logger.Error("bridgekeeper: exiting", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, falling back to UTC", "timezone", cfg.Timezone, "error", err)
		loc = time.UTC
	}

	logger.Info("starting bridgekeeper", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	bus := events.New()

	chat, err := chatclient.New(chatclient.Config{
		BaseURL: cfg.Chat.APIBaseURL,
		Token:   cfg.Chat.BotToken,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("chatclient: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		GlobalPerSecond:   cfg.RateLimit.Global,
		PerChatPerSecond:  cfg.RateLimit.PerChat,
		PerProducerPerSec: cfg.RateLimit.PerProducer,
	})

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		Threshold: cfg.Circuit.Threshold,
		Window:    cfg.Circuit.Window.Duration,
		CoolDown:  cfg.Circuit.CoolDown.Duration,
	})

	retryCfg := resilience.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay.Duration,
		MaxDelay:    cfg.Retry.MaxDelay.Duration,
	}

	disp := dispatcher.New(dispatcher.Config{
		Capacity:          cfg.Queue.Capacity,
		WorkerParallelism: cfg.Queue.WorkerParallelism,
		MessageStyle:      eventmodel.Style(cfg.MessageStyle),
		Timezone:          loc,
		RateLimiter:       limiter,
		Breakers:          breakers,
		Retry:             retryCfg,
		Chat:              chat,
		ResolveChat:       func(eventmodel.Event) string { return singleChatID(cfg) },
		SnapshotPath:      cfg.Paths.QueueSnapshot,
		Bus:               bus,
		Logger:            logger,
	})

	if pending, err := dispatcher.LoadSnapshot(cfg.Paths.QueueSnapshot); err != nil {
		logger.Warn("failed to load queue snapshot", "error", err)
	} else {
		for _, e := range pending {
			disp.Submit(context.Background(), e)
		}
		if len(pending) > 0 {
			logger.Info("recovered pending events from snapshot", "count", len(pending))
		}
	}

	intakeDir := cfg.Paths.EventsDir
	watcher, err := intake.New(intake.Config{
		EventsDir:     intakeDir,
		InflightDir:   filepath.Join(intakeDir, "inflight"),
		QuarantineDir: cfg.Paths.QuarantineDir,
		Submit: func(ctx context.Context, e eventmodel.Event) intake.SubmitResult {
			r := disp.Submit(ctx, e)
			return intake.SubmitResult{Accepted: r.Accepted, Reason: r.Reason}
		},
		Bus:    bus,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("intake: %w", err)
	}

	store, err := responsestore.New(responsestore.Config{
		Dir:           cfg.Paths.ResponsesDir,
		RetentionDays: cfg.RetentionDays,
		RetentionFor:  cfg.RetentionFor,
		Bus:           bus,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("responsestore: %w", err)
	}

	validator := integrity.New(integrity.Config{HMACSecret: cfg.Integrity.HMACSecret})

	poller, err := pull.New(pull.Config{
		Chat:       chat,
		Store:      store,
		Allowed:    cfg.Chat.Allowed,
		OffsetPath: cfg.Paths.OffsetFile,
		Bus:        bus,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("pull ingress: %w", err)
	}

	var shuttingDown atomic.Bool
	pushHandler, err := push.NewHandler(push.Config{
		Store:        store,
		Validator:    validator,
		Required:     cfg.Integrity.Required,
		BodyLimit:    cfg.Webhook.BodyLimit,
		ShuttingDown: shuttingDown.Load,
		Bus:          bus,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("push ingress: %w", err)
	}
	pushMux := http.NewServeMux()
	pushHandler.Register(pushMux)

	sup := supervisor.New(supervisor.Config{
		Intake:           watcher,
		Dispatcher:       disp,
		Pull:             poller,
		Store:            store,
		Breakers:         breakers,
		PushHandler:      pushMux,
		ChatProbe:        chat.Ping,
		Bus:              bus,
		GracefulDeadline: cfg.GracefulDeadline.Duration,
		HealthPort:       cfg.HealthPort,
		WebhookPort:      cfg.Webhook.Port,
		WebhookAddr:      cfg.Webhook.Address,
		ControlPort:      cfg.ControlAPI.Port,
		ControlAddr:      cfg.ControlAPI.Address,
		Logger:           logger,
	})

	registry := controlplane.NewRegistry(
		supervisor.DispatcherAdapter{D: disp},
		store,
		sup,
		logger,
	)
	controlHandler := controlplane.NewHTTPHandler(registry, controlplane.AuthConfig{
		APIKeys:    cfg.ControlAPI.APIKeys,
		HMACSecret: cfg.ControlAPI.HMACSecret,
		Validator:  validator,
	}, logger)
	sup.SetControlHandler(controlHandler)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shuttingDown.Store(true)
	}()

	return sup.Run(ctx)
}

func singleChatID(cfg *config.Config) string {
	if len(cfg.Chat.AllowedUserIDs) == 0 {
		return ""
	}
	return fmt.Sprintf("%d", cfg.Chat.AllowedUserIDs[0])
}
