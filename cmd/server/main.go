// Package main is the entry point for the mu control-plane server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/getmu/control-plane/internal/adapter"
	"github.com/getmu/control-plane/internal/command"
	"github.com/getmu/control-plane/internal/config"
	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/executor"
	"github.com/getmu/control-plane/internal/generation"
	"github.com/getmu/control-plane/internal/identity"
	"github.com/getmu/control-plane/internal/issuestore"
	"github.com/getmu/control-plane/internal/operator"
	"github.com/getmu/control-plane/internal/outbox"
	"github.com/getmu/control-plane/internal/paths"
	"github.com/getmu/control-plane/internal/pipeline"
	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
	"github.com/getmu/control-plane/internal/pkg/ulid"
	"github.com/getmu/control-plane/internal/policy"
	"github.com/getmu/control-plane/internal/reload"
	"github.com/getmu/control-plane/internal/server"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting mu control plane",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
		slog.String("repo_root", cfg.Repo.Root),
	)

	p, err := paths.New(cfg.Repo.Root)
	if err != nil {
		log.Fatalf("Failed to resolve repo paths: %v", err)
	}
	if err := p.EnsureDirs(); err != nil {
		log.Fatalf("Failed to create control-plane directories: %v", err)
	}

	// Exactly one process per repo_root may mutate the journals.
	hostname, _ := os.Hostname()
	lock, err := paths.AcquireWriterLock(p, fmt.Sprintf("%s/%d", hostname, os.Getpid()))
	if err != nil {
		re := cperrors.AsReasonError(err)
		log.Fatalf("Failed to acquire writer lock (%s): %v, owner=%v", re.Reason, err, re.Details)
	}
	defer lock.Release()
	logger.Info("Writer lock acquired", slog.String("path", p.WriterLockFile()))

	identities, err := identity.Load(p.IdentitiesJournal())
	if err != nil {
		log.Fatalf("Failed to load identity store: %v", err)
	}
	defer identities.Close()

	commands, err := command.LoadStore(p.CommandsJournal())
	if err != nil {
		log.Fatalf("Failed to load command store: %v", err)
	}
	defer commands.Close()

	idem, err := command.LoadIdempotency(p.IdempotencyJournal(),
		cfg.Pipeline.IdempotencyTTL, cfg.Pipeline.IdempotencyMaxEntries)
	if err != nil {
		log.Fatalf("Failed to load idempotency index: %v", err)
	}
	defer idem.Close()

	ob, err := outbox.Load(p.OutboxJournal())
	if err != nil {
		log.Fatalf("Failed to load outbox: %v", err)
	}
	defer ob.Close()

	issues, err := issuestore.Load(p.IssuesFile())
	if err != nil {
		log.Fatalf("Failed to load issue store: %v", err)
	}

	policies, err := policy.NewManager(p.PolicyFile())
	if err != nil {
		log.Fatalf("Failed to load policy: %v", err)
	}

	audit, err := adapter.OpenAudit(p.AdapterAuditJournal(), cfg.Audit.RotateMaxBytes, logger)
	if err != nil {
		log.Fatalf("Failed to open adapter audit journal: %v", err)
	}
	defer audit.Close()

	supervisor := generation.NewSupervisor()
	turns := operator.NewTurns()
	backend := operator.NewHTTPBackend(cfg.Operator.URL, cfg.Operator.Timeout)

	// ReloadFn is wired after the reload manager exists.
	router := &executor.Router{
		Issues: &executor.IssueExecutor{Store: issues},
		CLI: &executor.CLIExecutor{
			Path:           cfg.Executor.CLIPath,
			RunTimeout:     cfg.Executor.CLIRunTimeout,
			DeferOnTimeout: cfg.Executor.DeferOnTimeout,
			DeferRetry:     cfg.Pipeline.DeferRetry,
		},
		Identity:       identities,
		SelfLinkScopes: []string{"issues.read", "issues.write", "operator.run"},
	}

	var conversational []envelope.Channel
	if cfg.Channels.Telegram.Conversational {
		conversational = append(conversational, envelope.ChannelTelegram)
	}
	pipe := pipeline.New(identities, commands, idem, policies, ob, router, backend,
		pipeline.Config{
			ConfirmTTL:             cfg.Pipeline.ConfirmTTL,
			DeferRetry:             cfg.Pipeline.DeferRetry,
			ConversationalChannels: conversational,
		}, logger)

	buildRegistry := func(ctx context.Context) (*adapter.Registry, error) {
		var adapters []adapter.Adapter
		if cfg.Channels.Slack.Enabled {
			adapters = append(adapters, adapter.NewSlackAdapter(adapter.SlackConfig{
				SigningSecret: cfg.Channels.Slack.SigningSecret,
				MaxClockSkew:  cfg.Pipeline.MaxClockSkew,
				RepoRoot:      cfg.Repo.Root,
			}, pipe))
		}
		if cfg.Channels.Discord.Enabled {
			adapters = append(adapters, adapter.NewDiscordAdapter(adapter.DiscordConfig{
				SigningSecret: cfg.Channels.Discord.SigningSecret,
				MaxClockSkew:  cfg.Pipeline.MaxClockSkew,
				RepoRoot:      cfg.Repo.Root,
			}, pipe))
		}
		if cfg.Channels.Telegram.Enabled {
			adapters = append(adapters, adapter.NewTelegramAdapter(adapter.TelegramConfig{
				SecretToken: cfg.Channels.Telegram.SecretToken,
				BotName:     cfg.Channels.Telegram.BotName,
				RepoRoot:    cfg.Repo.Root,
			}, pipe))
		}
		if cfg.Channels.Terminal.Enabled {
			adapters = append(adapters, adapter.NewTerminalAdapter(adapter.TerminalConfig{
				Secret:   cfg.Channels.Terminal.SharedSecret,
				RepoRoot: cfg.Repo.Root,
			}, pipe))
		}
		return adapter.NewRegistry(adapters...)
	}

	var registry atomic.Pointer[adapter.Registry]
	initial, err := buildRegistry(context.Background())
	if err != nil {
		log.Fatalf("Failed to build adapter registry: %v", err)
	}
	registry.Store(initial)
	logger.Info("Adapter registry ready", slog.Int("channels", len(initial.Specs())))

	reloads := reload.NewManager(supervisor, buildRegistry, &registry, cfg.Reload.Timeout, logger)
	defer reloads.Close()

	router.StatusFn = func() any {
		return map[string]any{
			"generation":      supervisor.Active(),
			"active_commands": commands.ActiveCount(),
			"outbox_depth":    ob.QueueDepth(),
		}
	}
	router.ReloadFn = func(ctx context.Context, reason string) (any, error) {
		return reloads.Reload(ctx, reason)
	}

	deliverers := map[envelope.Channel]outbox.Deliverer{
		envelope.ChannelSlack: outbox.NewSlackDeliverer(
			cfg.Channels.Slack.BotToken, 10*time.Second),
		envelope.ChannelDiscord: outbox.NewDiscordDeliverer(
			cfg.Channels.Discord.WebhookBaseURL, 10*time.Second),
		envelope.ChannelTelegram: outbox.NewTelegramDeliverer(
			cfg.Channels.Telegram.APIBaseURL, cfg.Channels.Telegram.BotToken, 10*time.Second),
		envelope.ChannelTerminal: &outbox.TerminalDeliverer{},
		envelope.ChannelNeovim:   &outbox.TerminalDeliverer{},
	}
	worker := outbox.NewWorker(ob, deliverers, outbox.WorkerConfig{
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		BaseBackoff:    cfg.Outbox.BaseBackoff,
		MaxBackoff:     cfg.Outbox.MaxBackoff,
		JitterFraction: cfg.Outbox.JitterFraction,
		PollInterval:   cfg.Outbox.PollInterval,
	}, logger)
	worker.OnDelivered(func(rec outbox.Record) {
		logger.Debug("delivery completed",
			slog.String("outbox_id", rec.OutboxID),
			slog.String("channel", string(rec.Envelope.Channel)))
	})

	srv := server.New(server.Deps{
		Config:     cfg,
		Logger:     logger,
		Paths:      p,
		Registry:   &registry,
		Audit:      audit,
		Identities: identities,
		Commands:   commands,
		Outbox:     ob,
		Supervisor: supervisor,
		Reloads:    reloads,
		Turns:      turns,
		Pipeline:   pipe,
	})
	if err := srv.WriteDiscovery(); err != nil {
		log.Fatalf("Failed to write server.json: %v", err)
	}
	defer srv.RemoveDiscovery()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return runMaintenance(ctx, pipe, idem, commands, audit, logger) })
	if cfg.Reload.WatchPolicy {
		g.Go(func() error {
			return policies.Watch(ctx, logger, func() {
				res, err := reloads.Reload(ctx, "policy_change")
				if err != nil {
					logger.Warn("Policy reload not run", slog.String("error", err.Error()))
					return
				}
				logger.Info("Policy change applied",
					slog.String("path", p.PolicyFile()),
					slog.String("attempt_id", res.AttemptID),
					slog.Bool("ok", res.OK))
			})
		})
	}

	logger.Info("Control plane running", slog.String("instance", ulid.New()))
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("Shutdown with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// runMaintenance drives the periodic sweeps: confirmation expiry, deferred
// requeue, idempotency compaction, and audit rotation.
func runMaintenance(
	ctx context.Context,
	pipe *pipeline.Pipeline,
	idem *command.IdempotencyIndex,
	commands *command.Store,
	audit *adapter.Audit,
	logger *slog.Logger,
) error {
	sweep := time.NewTicker(15 * time.Second)
	defer sweep.Stop()
	compact := time.NewTicker(time.Hour)
	defer compact.Stop()

	isTerminal := func(commandID string) bool {
		rec, ok := commands.Get(commandID)
		return !ok || rec.State.Terminal()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			nowMs := time.Now().UnixMilli()
			if n := pipe.SweepExpired(nowMs); n > 0 {
				logger.Info("Expired confirmations swept", slog.Int("count", n))
			}
			if n := pipe.RequeueDeferred(ctx, nowMs); n > 0 {
				logger.Info("Deferred commands requeued", slog.Int("count", n))
			}
		case <-compact.C:
			nowMs := time.Now().UnixMilli()
			if n, err := idem.Compact(nowMs, isTerminal); err != nil {
				logger.Warn("Idempotency compaction failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.Info("Idempotency entries compacted", slog.Int("count", n))
			}
			audit.Rotate()
		}
	}
}
