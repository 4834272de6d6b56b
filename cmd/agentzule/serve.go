package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/access"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/api"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/audit"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/config"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/execution"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/market"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/notify"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/orchestrator"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/permission"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/policy"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/storage"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/strategy"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/telegram"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/voting"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

// externals внешние зависимости; любое поле может быть nil
type externals struct {
	store  *storage.PostgresStorage
	redis  redis.UniversalClient
	sender notify.Sender
	bot    telegram.BotAPI
}

type app struct {
	cfg          *config.Config
	logger       *utils.Logger
	audit        *audit.Log
	authz        *access.Authorizer
	permissions  *permission.Manager
	votes        *voting.Engine
	executor     *execution.Engine
	orchestrator *orchestrator.Orchestrator
	server       *api.Server
	console      *telegram.Bot
	policy       *policy.Summary
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if modeOverride != "" {
		cfg.Orchestrator.Mode = modeOverride
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := utils.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	pol, err := policy.Load(cfg.PolicyPath, cfg.PolicyProfile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ext externals

	ext.store, err = storage.NewPostgresStorage(ctx, cfg.StorageOptions())
	if err != nil {
		return err
	}
	defer ext.store.Close()

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			// работаем дальше: feed вернет ошибку, audit publisher залогирует
			logger.Warn("Redis %s is not reachable: %v", cfg.Redis.Addr, err)
		}
		ext.redis = client
	}

	if cfg.Telegram.BotToken != "" {
		bot, err := notify.NewBotAPI(cfg.Telegram.BotToken, logger)
		if err != nil {
			return err
		}
		ext.sender = bot
		if cfg.Telegram.Commands {
			ext.bot = bot
		}
	}

	a, err := buildApp(ctx, cfg, pol, ext, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// buildApp собирает движки и применяет политику
func buildApp(ctx context.Context, cfg *config.Config, pol *policy.Policy, ext externals, logger *utils.Logger) (*app, error) {
	admin := firstID(cfg.Roles.Admins)
	if admin == "" {
		return nil, fmt.Errorf("%w: ADMIN_IDS is empty", domain.ErrInvalidConfig)
	}

	authz := access.NewAuthorizerFromRoles(cfg.Roles)
	// эскалация правил и системные голосования
	authz.Grant(domain.ActorPermissionManager, access.CapEscalator)
	authz.Grant(cfg.Orchestrator.Actor, access.CapExecutor, access.CapEscalator)

	auditLog := audit.NewLog(logger, audit.NewZapSink(logger.Zap()))
	if ext.store != nil {
		auditLog.AddSink(storage.NewAuditSink(ext.store.Audit()))
	}
	if ext.redis != nil {
		auditLog.AddSink(audit.NewRedisPublisher(ext.redis, cfg.Redis.AuditChan))
	}
	if ext.sender != nil {
		auditLog.AddSink(notify.NewTelegramSink(ext.sender, cfg.Telegram.ChatID, notify.ParseLang(cfg.Telegram.Lang)))
	}

	bounds, err := pol.Bounds()
	if err != nil {
		return nil, err
	}
	perms, err := permission.NewManager(authz, auditLog, bounds, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create permission manager: %w", err)
	}

	votes, err := voting.NewEngine(cfg.VotingConfig(), authz, auditLog, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create voting engine: %w", err)
	}
	perms.SetVoteOpener(votes)

	venue := strategy.NewPaperVenue(cfg.Execution.PaperSlippageBps)
	registry := strategy.NewRegistry()
	if err := registry.Register(strategy.HandlerSwap, strategy.NewSwapHandler(venue)); err != nil {
		return nil, err
	}
	if err := registry.Register(strategy.HandlerRebalance, strategy.NewRebalanceHandler(venue)); err != nil {
		return nil, err
	}

	executor := execution.NewEngine(cfg.ExecutionConfig(), registry, authz, auditLog, logger)
	if ext.store != nil {
		executor.SetRecorder(storage.NewExecutionLedger(ext.store.Executions()))
	}

	summary, err := pol.Apply(ctx, admin, policy.Targets{
		Strategies:  executor,
		Rules:       perms,
		Permissions: perms,
		Voting:      votes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to apply policy %s: %w", pol.ProfileName, err)
	}

	orch := orchestrator.New(cfg.OrchestratorConfig(), perms, votes, executor, auditLog, logger)
	if ext.redis != nil {
		orch.SetFeed(market.NewFeed(market.NewRedisSource(ext.redis, cfg.Redis.MetricsKey), market.DefaultCacheTTL, logger))
		orch.SetSource(orchestrator.NewRedisQueue(ext.redis, cfg.Redis.QueueKey, 0, logger))
	}

	server := api.NewServer(api.Deps{
		Permissions:  perms,
		Votes:        votes,
		Executions:   executor,
		Orchestrator: orch,
		Audit:        auditLog,
	}, api.Options{
		Port:      cfg.API.Port,
		RateRPS:   cfg.API.RateRPS,
		RateBurst: cfg.API.RateBurst,
	}, logger)

	var console *telegram.Bot
	if ext.bot != nil {
		formatter := notify.NewFormatter(notify.ParseLang(cfg.Telegram.Lang))
		router := telegram.NewRouter(authz, formatter)
		telegram.NewConsole(perms, votes, executor, orch, formatter).Register(router)
		console = telegram.NewBot(ext.bot, router, cfg.Telegram.ChatID, logger)
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		audit:        auditLog,
		authz:        authz,
		permissions:  perms,
		votes:        votes,
		executor:     executor,
		orchestrator: orch,
		server:       server,
		console:      console,
		policy:       summary,
	}, nil
}

// run блокируется до отмены ctx
func (a *app) run(ctx context.Context) error {
	if err := a.orchestrator.Start(ctx); err != nil {
		return err
	}
	defer a.orchestrator.Stop()

	if a.console != nil {
		if err := a.console.Start(ctx); err != nil {
			return err
		}
		defer a.console.Stop()
	}

	a.logger.Info("Agent Zule started: mode=%s, profile=%s, port=%d",
		a.orchestrator.GetMode(), a.policy.Profile, a.cfg.API.Port)

	err := a.server.Start(ctx)
	a.logger.Info("Agent Zule stopped")
	return err
}

func firstID(list string) string {
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}
