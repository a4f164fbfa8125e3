package config

import (
	"strings"
	"time"
)

// OrchestratorConfig holds runtime configuration for the kapsules orchestrator.
type OrchestratorConfig struct {
	Environment string
	Addr        string
	LogLevel    string

	StoreDriver   string
	DatabaseURL   string
	SQLitePath    string
	MigrationsDir string

	RuntimeBackend  string
	DockerHost      string
	Workdir         string
	TemplatesDir    string
	DefaultTemplate string
	Registry        string
	PortRangeStart  int
	PortRangeEnd    int
	PublicHost      string

	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string

	BuildTimeout      time.Duration
	LLMTimeout        time.Duration
	ImageBuildTimeout time.Duration
	RuntimeTimeout    time.Duration
	ReadinessTimeout  time.Duration
	StoreTimeout      time.Duration

	ReapInterval time.Duration
	UnitIdleTTL  time.Duration

	JWTSecret   string
	AuthEnabled bool

	BuildRateLimit  int
	BuildRateWindow time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	EventWebhookURL   string
	EventWebhookToken string

	CORSOrigins []string
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	cfg := OrchestratorConfig{
		Environment:       GetString("APP_ENV", "development"),
		Addr:              GetString("KAPSULES_ADDR", ":4000"),
		LogLevel:          GetString("LOG_LEVEL", "info"),
		StoreDriver:       GetString("STORE_DRIVER", ""),
		DatabaseURL:       GetString("DATABASE_URL", ""),
		SQLitePath:        GetString("SQLITE_PATH", "kapsules.db"),
		MigrationsDir:     GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		RuntimeBackend:    GetString("RUNTIME_BACKEND", "docker"),
		DockerHost:        GetString("DOCKER_HOST", ""),
		Workdir:           GetString("KAPSULES_WORKDIR", "/tmp/kapsules"),
		TemplatesDir:      GetString("TEMPLATES_DIR", "templates"),
		DefaultTemplate:   GetString("DEFAULT_TEMPLATE", "default"),
		Registry:          GetString("DOCKER_REGISTRY", "kapsules"),
		PortRangeStart:    GetInt("PORT_RANGE_START", 8080),
		PortRangeEnd:      GetInt("PORT_RANGE_END", 9000),
		PublicHost:        GetString("PUBLIC_HOST", "localhost"),
		LLMProvider:       GetString("LLM_PROVIDER", ""),
		LLMAPIKey:         GetString("OPENAI_API_KEY", ""),
		LLMBaseURL:        GetString("OPENAI_BASE_URL", ""),
		LLMModel:          GetString("LLM_MODEL", "gpt-4"),
		BuildTimeout:      GetSeconds("BUILD_TIMEOUT_SECONDS", 1200),
		LLMTimeout:        GetSeconds("LLM_TIMEOUT_SECONDS", 120),
		ImageBuildTimeout: GetSeconds("IMAGE_BUILD_TIMEOUT_SECONDS", 600),
		RuntimeTimeout:    GetSeconds("RUNTIME_TIMEOUT_SECONDS", 60),
		ReadinessTimeout:  GetSeconds("READINESS_TIMEOUT_SECONDS", 30),
		StoreTimeout:      GetSeconds("STORE_TIMEOUT_SECONDS", 5),
		ReapInterval:      GetSeconds("REAP_INTERVAL_SECONDS", 60),
		UnitIdleTTL:       GetSeconds("UNIT_IDLE_TTL_SECONDS", 0),
		JWTSecret:         GetString("AUTH_JWT_SECRET", ""),
		BuildRateLimit:    GetInt("BUILD_RATE_LIMIT", 10),
		BuildRateWindow:   GetSeconds("BUILD_RATE_WINDOW_SECONDS", 60),
		RedisAddr:         GetString("REDIS_ADDR", ""),
		RedisPassword:     GetString("REDIS_PASSWORD", ""),
		RedisDB:           GetInt("REDIS_DB", 0),
		LockTTL:           GetSeconds("BUILD_LOCK_TTL_SECONDS", 1500),
		EventWebhookURL:   GetString("EVENT_WEBHOOK_URL", ""),
		EventWebhookToken: GetString("EVENT_WEBHOOK_TOKEN", ""),
		CORSOrigins:       GetList("CORS_ORIGINS", []string{"*"}),
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaultStoreDriver(cfg.DatabaseURL)
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "openai"
		if strings.TrimSpace(cfg.LLMAPIKey) == "" {
			cfg.LLMProvider = "heuristic"
		}
	}
	cfg.AuthEnabled = strings.TrimSpace(cfg.JWTSecret) != ""
	return cfg
}

func defaultStoreDriver(databaseURL string) string {
	if strings.TrimSpace(databaseURL) != "" {
		return "postgres"
	}
	return "sqlite"
}
