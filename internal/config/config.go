package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/engine.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// EngineConfig describes runtime options for the analysis engine daemon.
type EngineConfig struct {
	Environment string
	ListenAddr  string

	LogFile  string
	LogLevel string

	// Session, transcript and analysis-log storage
	StorePath string
	// Billing backend: sqlite or postgres
	BillingBackend string
	BillingPath    string
	BillingDSN     string
	// Default account charged when a session carries no account id
	DefaultAccountID string

	// Pricing
	CreditsPer1KTokens    int64
	CachedDiscountPercent int64
	MinimumCredits        int64
	// Advisory monetary cost estimates folded into the usage meter
	QuickCostPer1K float64
	DeepCostPer1K  float64

	// Provider: openai or loopback
	Provider        string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIOrg       string
	QuickModel      string
	DeepModel       string
	ProviderTimeout time.Duration
	RetryTimeout    time.Duration

	// Knowledge retrieval
	EmbeddingBaseURL string
	EmbeddingAPIKey  string
	EmbeddingModel   string
	QdrantBaseURL    string
	QdrantAPIKey     string
	QdrantCollection string
	RetrievalTimeout time.Duration
	RetrievalTopK    int
	ScoreThreshold   float64

	// Transcript windows feeding each analysis flow, in seconds
	QuickWindowSeconds float64
	DeepWindowSeconds  float64
	// Cache TTL for repeated quick analyses of an unchanged window
	CacheTTL time.Duration
	// Optional shared cache; empty means in-process
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Supervisor alert delivery; empty URL means log-only
	AMQPURL    string
	AlertQueue string

	// Counselor playbook with fallback pools and keyword tables
	PlaybookPath string

	// Concurrent websocket ingest streams allowed per instance
	MaxStreamClients int
}

// LoadEngineConfig reads the current environment and loads the appropriate
// engine config file, applying env var overrides on top.
func LoadEngineConfig(root string) (EngineConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return EngineConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return EngineConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := EngineConfig{
		Environment:      s.Environment,
		ListenAddr:       firstNonEmpty(os.Getenv("CARELOOP_LISTEN_ADDR"), merged["listen_addr"], ":8085"),
		LogFile:          firstNonEmpty(os.Getenv("CARELOOP_LOG_FILE"), merged["log_file"]),
		LogLevel:         firstNonEmpty(merged["log_level"], "info"),
		StorePath:        firstNonEmpty(os.Getenv("CARELOOP_STORE_PATH"), merged["store_path"], DefaultStorePath()),
		BillingBackend:   strings.ToLower(firstNonEmpty(os.Getenv("CARELOOP_BILLING_BACKEND"), merged["billing_backend"], "sqlite")),
		BillingPath:      firstNonEmpty(os.Getenv("CARELOOP_BILLING_PATH"), merged["billing_path"], DefaultBillingPath()),
		BillingDSN:       firstNonEmpty(os.Getenv("CARELOOP_BILLING_DSN"), merged["billing_dsn"]),
		DefaultAccountID: firstNonEmpty(os.Getenv("CARELOOP_DEFAULT_ACCOUNT"), merged["default_account"], "acct-default"),

		CreditsPer1KTokens:    parseOptionalInt64(firstNonEmpty(os.Getenv("CARELOOP_CREDITS_PER_1K"), merged["credits_per_1k"]), 10),
		CachedDiscountPercent: parseOptionalInt64(merged["cached_discount_percent"], 50),
		MinimumCredits:        parseOptionalInt64(merged["minimum_credits"], 1),
		QuickCostPer1K:        parseOptionalFloat(merged["quick_cost_per_1k"], 0.0002),
		DeepCostPer1K:         parseOptionalFloat(merged["deep_cost_per_1k"], 0.0025),

		Provider:      strings.ToLower(firstNonEmpty(os.Getenv("CARELOOP_PROVIDER"), merged["provider"], "loopback")),
		OpenAIAPIKey:  firstNonEmpty(os.Getenv("CARELOOP_OPENAI_API_KEY"), merged["openai_api_key"]),
		OpenAIBaseURL: firstNonEmpty(os.Getenv("CARELOOP_OPENAI_BASE_URL"), merged["openai_base_url"]),
		OpenAIOrg:     firstNonEmpty(os.Getenv("CARELOOP_OPENAI_ORG"), merged["openai_org"]),
		QuickModel:    firstNonEmpty(os.Getenv("CARELOOP_QUICK_MODEL"), merged["quick_model"], "gpt-4o-mini"),
		DeepModel:     firstNonEmpty(os.Getenv("CARELOOP_DEEP_MODEL"), merged["deep_model"], "gpt-4o"),

		EmbeddingBaseURL: firstNonEmpty(os.Getenv("CARELOOP_EMBEDDING_BASE_URL"), merged["embedding_base_url"]),
		EmbeddingAPIKey:  firstNonEmpty(os.Getenv("CARELOOP_EMBEDDING_API_KEY"), merged["embedding_api_key"], os.Getenv("CARELOOP_OPENAI_API_KEY")),
		EmbeddingModel:   firstNonEmpty(merged["embedding_model"], "text-embedding-3-small"),
		QdrantBaseURL:    firstNonEmpty(os.Getenv("CARELOOP_QDRANT_BASE_URL"), merged["qdrant_base_url"]),
		QdrantAPIKey:     firstNonEmpty(os.Getenv("CARELOOP_QDRANT_API_KEY"), merged["qdrant_api_key"]),
		QdrantCollection: firstNonEmpty(merged["qdrant_collection"], "counseling_knowledge"),
		RetrievalTopK:    parseOptionalInt(merged["retrieval_top_k"], 3),
		ScoreThreshold:   parseOptionalFloat(merged["retrieval_score_threshold"], 0.6),

		QuickWindowSeconds: parseOptionalFloat(merged["quick_window_seconds"], 15),
		DeepWindowSeconds:  parseOptionalFloat(merged["deep_window_seconds"], 60),

		RedisAddr:     firstNonEmpty(os.Getenv("CARELOOP_REDIS_ADDR"), merged["redis_addr"]),
		RedisPassword: firstNonEmpty(os.Getenv("CARELOOP_REDIS_PASSWORD"), merged["redis_password"]),
		RedisDB:       parseOptionalInt(merged["redis_db"], 0),

		AMQPURL:    firstNonEmpty(os.Getenv("CARELOOP_AMQP_URL"), merged["amqp_url"]),
		AlertQueue: firstNonEmpty(merged["alert_queue"], "safety.alerts"),

		PlaybookPath: firstNonEmpty(os.Getenv("CARELOOP_PLAYBOOK_PATH"), merged["playbook_path"], filepath.Join(root, "config", "playbook.yaml")),

		MaxStreamClients: parseOptionalInt(merged["max_stream_clients"], 256),
	}

	cfg.ProviderTimeout, err = parseOptionalDuration(firstNonEmpty(os.Getenv("CARELOOP_PROVIDER_TIMEOUT"), merged["provider_timeout"]), 10*time.Second)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("invalid provider_timeout: %w", err)
	}
	cfg.RetryTimeout, err = parseOptionalDuration(merged["retry_timeout"], cfg.ProviderTimeout/2)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("invalid retry_timeout: %w", err)
	}
	cfg.RetrievalTimeout, err = parseOptionalDuration(merged["retrieval_timeout"], 1500*time.Millisecond)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("invalid retrieval_timeout: %w", err)
	}
	cfg.CacheTTL, err = parseOptionalDuration(merged["cache_ttl"], 30*time.Second)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("invalid cache_ttl: %w", err)
	}

	switch cfg.Provider {
	case "openai", "loopback":
	default:
		return EngineConfig{}, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	switch cfg.BillingBackend {
	case "sqlite":
	case "postgres":
		if cfg.BillingDSN == "" {
			return EngineConfig{}, errors.New("billing_backend=postgres requires billing_dsn")
		}
	default:
		return EngineConfig{}, fmt.Errorf("unknown billing_backend %q", cfg.BillingBackend)
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalInt64(v string, fallback int64) int64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string, fallback float64) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultStorePath returns the fallback session store location under the
// user's home directory.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "engine.db"
	}
	return filepath.Join(home, ".careloop", "engine.db")
}

// DefaultBillingPath returns the fallback billing database path.
func DefaultBillingPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "billing.db"
	}
	return filepath.Join(home, ".careloop", "billing.db")
}
