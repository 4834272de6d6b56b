package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/access"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/execution"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/orchestrator"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/storage"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/voting"
)

// Config содержит все настройки приложения
type Config struct {
	Database      DatabaseConfig
	Redis         RedisConfig
	Telegram      TelegramConfig
	API           APIConfig
	Roles         access.RoleIDs
	Governance    GovernanceConfig
	Execution     ExecutionConfig
	Orchestrator  OrchestratorConfig
	PolicyPath    string
	PolicyProfile string
	LogLevel      string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	MetricsKey string
	AuditChan  string
	QueueKey   string
}

type TelegramConfig struct {
	BotToken string
	ChatID   int64
	Lang     string
	// Commands включает операторскую консоль (/status, /vote, /pause)
	Commands bool
}

type APIConfig struct {
	Port      int
	RateRPS   int
	RateBurst int
}

type GovernanceConfig struct {
	QuorumBps       uint32
	SupportBps      uint32
	MinDuration     time.Duration
	MaxDuration     time.Duration
	DefaultDuration time.Duration
}

type ExecutionConfig struct {
	Budget        time.Duration
	MaxStrategies int

	// PaperSlippageBps фиксированное проскальзывание paper venue
	PaperSlippageBps uint32
}

type OrchestratorConfig struct {
	Mode     string
	Interval time.Duration
	Actor    string
}

// Load загружает конфигурацию из .env файла
func Load() (*Config, error) {
	// Загружаем .env файл (если есть)
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found, using environment variables")
	}
	return FromEnv()
}

// FromEnv собирает конфигурацию из переменных окружения
func FromEnv() (*Config, error) {
	p := &parser{}

	config := &Config{
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            p.intVal("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "agent_zule"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    p.intVal("DB_MAX_OPEN_CONNS", "25"),
			MaxIdleConns:    p.intVal("DB_MAX_IDLE_CONNS", "5"),
			ConnMaxLifetime: p.durationVal("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", ""),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         p.intVal("REDIS_DB", "0"),
			MetricsKey: getEnv("REDIS_METRICS_KEY", "agentzule:metrics"),
			AuditChan:  getEnv("REDIS_AUDIT_CHANNEL", "agentzule:audit"),
			QueueKey:   getEnv("REDIS_QUEUE_KEY", "agentzule:recommendations"),
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   p.int64Val("TELEGRAM_CHAT_ID", "0"),
			Lang:     getEnv("TELEGRAM_LANG", "en"),
			Commands: p.boolVal("TELEGRAM_COMMANDS", "true"),
		},
		API: APIConfig{
			Port:      p.intVal("API_PORT", "8080"),
			RateRPS:   p.intVal("API_RATE_RPS", "20"),
			RateBurst: p.intVal("API_RATE_BURST", "40"),
		},
		Roles: access.RoleIDs{
			Admins:           getEnv("ADMIN_IDS", ""),
			Executors:        getEnv("EXECUTOR_IDS", ""),
			StrategyManagers: getEnv("STRATEGY_MANAGER_IDS", ""),
			RuleManagers:     getEnv("RULE_MANAGER_IDS", ""),
		},
		Governance: GovernanceConfig{
			QuorumBps:       p.uint32Val("VOTING_QUORUM_BPS", "3000"),
			SupportBps:      p.uint32Val("VOTING_SUPPORT_BPS", "5000"),
			MinDuration:     p.durationVal("VOTING_MIN_DURATION", "1h"),
			MaxDuration:     p.durationVal("VOTING_MAX_DURATION", "720h"),
			DefaultDuration: p.durationVal("VOTING_DEFAULT_DURATION", "72h"),
		},
		Execution: ExecutionConfig{
			Budget:           p.durationVal("EXECUTION_BUDGET", "30s"),
			MaxStrategies:    p.intVal("MAX_STRATEGIES", strconv.Itoa(domain.MaxStrategies)),
			PaperSlippageBps: p.uint32Val("PAPER_SLIPPAGE_BPS", "30"),
		},
		Orchestrator: OrchestratorConfig{
			Mode:     getEnv("AGENT_MODE", string(orchestrator.ModeShadow)),
			Interval: p.durationVal("AGENT_INTERVAL", "1m"),
			Actor:    getEnv("AGENT_ACTOR", "agent"),
		},
		PolicyPath:    getEnv("POLICY_PATH", "configs/policy.yaml"),
		PolicyProfile: getEnv("POLICY_PROFILE", "moderate"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate проверяет обязательные поля конфигурации
func (c *Config) Validate() error {
	if c.Roles.Admins == "" {
		return fmt.Errorf("ADMIN_IDS is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API_PORT: %d", c.API.Port)
	}
	if _, err := orchestrator.ParseMode(c.Orchestrator.Mode); err != nil {
		return fmt.Errorf("invalid AGENT_MODE: %w", err)
	}
	if c.Orchestrator.Interval <= 0 {
		return fmt.Errorf("AGENT_INTERVAL must be positive")
	}
	if c.Execution.Budget <= 0 {
		return fmt.Errorf("EXECUTION_BUDGET must be positive")
	}
	if c.Execution.PaperSlippageBps > domain.MaxSlippageBps {
		return fmt.Errorf("PAPER_SLIPPAGE_BPS %d exceeds %d", c.Execution.PaperSlippageBps, domain.MaxSlippageBps)
	}
	if err := c.VotingConfig().Validate(); err != nil {
		return fmt.Errorf("invalid voting config: %w", err)
	}
	return nil
}

// StorageOptions параметры подключения к PostgreSQL
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		DBName:          c.Database.DBName,
		SSLMode:         c.Database.SSLMode,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

func (c *Config) VotingConfig() voting.Config {
	return voting.Config{
		QuorumBps:       c.Governance.QuorumBps,
		SupportBps:      c.Governance.SupportBps,
		MinDuration:     c.Governance.MinDuration,
		MaxDuration:     c.Governance.MaxDuration,
		DefaultDuration: c.Governance.DefaultDuration,
	}
}

func (c *Config) ExecutionConfig() execution.Config {
	return execution.Config{
		ExecutionBudget: c.Execution.Budget,
		MaxStrategies:   c.Execution.MaxStrategies,
	}
}

func (c *Config) OrchestratorConfig() orchestrator.Config {
	mode, _ := orchestrator.ParseMode(c.Orchestrator.Mode)
	return orchestrator.Config{
		Mode:     mode,
		Interval: c.Orchestrator.Interval,
		Actor:    c.Orchestrator.Actor,
	}
}

// parser запоминает первую ошибку разбора
type parser struct {
	err error
}

func (p *parser) intVal(key, def string) int {
	v, err := strconv.Atoi(getEnv(key, def))
	p.fail(key, err)
	return v
}

func (p *parser) int64Val(key, def string) int64 {
	v, err := strconv.ParseInt(getEnv(key, def), 10, 64)
	p.fail(key, err)
	return v
}

func (p *parser) uint32Val(key, def string) uint32 {
	v, err := strconv.ParseUint(getEnv(key, def), 10, 32)
	p.fail(key, err)
	return uint32(v)
}

func (p *parser) boolVal(key, def string) bool {
	v, err := strconv.ParseBool(getEnv(key, def))
	p.fail(key, err)
	return v
}

func (p *parser) durationVal(key, def string) time.Duration {
	v, err := time.ParseDuration(getEnv(key, def))
	p.fail(key, err)
	return v
}

func (p *parser) fail(key string, err error) {
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
