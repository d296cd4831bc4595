package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Port          string
	DBConn        string
	Storage       string
	LogLevel      string
	JWTSecret     string
	EncryptionKey string
	ProvidersFile string

	KafkaBrokers []string
	KafkaTopic   string
	RedisAddr    string

	SMTPHost        string
	SMTPPort        string
	SMTPUsername    string
	SMTPPassword    string
	SenderEmail     string
	AlertRecipients []string

	Providers      ProvidersConfig
	Reconciliation ReconciliationConfig
	Sweep          SweepConfig
}

// providersFile is the layout of PROVIDERS_FILE; absent keys keep their defaults
type providersFile struct {
	Providers      *ProvidersConfig      `yaml:"providers"`
	Reconciliation *ReconciliationConfig `yaml:"reconciliation"`
	Sweep          *SweepConfig          `yaml:"sweep"`
}

// BreakerConfig tunes the circuit breaker wrapped around one provider's outbound calls
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// PushConfig configures the mobile-money push (STK) provider
type PushConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	SigningSecret string        `yaml:"signing_secret"`
	CallbackURL   string        `yaml:"callback_url"`
	Timeout       time.Duration `yaml:"timeout"`
	ExpireAfter   time.Duration `yaml:"expire_after"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

// PullConfig configures the SOAP aggregator used for USSD pull payments
type PullConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	MerchantID    string        `yaml:"merchant_id"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	SigningSecret string        `yaml:"signing_secret"`
	CallbackURL   string        `yaml:"callback_url"`
	Timeout       time.Duration `yaml:"timeout"`
	PollAfter     time.Duration `yaml:"poll_after"`
	ExpireAfter   time.Duration `yaml:"expire_after"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

// ManualConfig configures bank transfers confirmed by an operator.
// ExpireAfter of zero means manual intents never expire.
type ManualConfig struct {
	BankName         string        `yaml:"bank_name"`
	AccountNumber    string        `yaml:"account_number"`
	AccountName      string        `yaml:"account_name"`
	ReviewAlertAfter time.Duration `yaml:"review_alert_after"`
	ExpireAfter      time.Duration `yaml:"expire_after"`
}

// ProvidersConfig holds one explicit block per provider
type ProvidersConfig struct {
	Push   PushConfig   `yaml:"mobile_push"`
	Pull   PullConfig   `yaml:"mobile_pull"`
	Manual ManualConfig `yaml:"bank_transfer"`
}

// ReconciliationConfig tunes the heuristic matcher
type ReconciliationConfig struct {
	MatchWindow    time.Duration `yaml:"match_window"`
	MaxAmountRatio float64       `yaml:"max_amount_ratio"`
}

// SweepConfig tunes the periodic sweep
type SweepConfig struct {
	Schedule        string        `yaml:"schedule"`
	BatchSize       int           `yaml:"batch_size"`
	AllocationGrace time.Duration `yaml:"allocation_grace"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
}

// NewConfig loads configuration from environment variables and the optional providers file
func NewConfig() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DBConn:        getEnv("DB_CONN", "host=localhost port=5436 user=test password=test dbname=payments sslmode=disable"),
		Storage:       getEnv("STORAGE", "postgres"),
		LogLevel:      getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:     getEnv("JWT_SECRET", "secret"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"),
		ProvidersFile: getEnv("PROVIDERS_FILE", ""),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "loan-payments"),
		RedisAddr:    getEnv("REDIS_ADDR", ""),

		SMTPHost:        getEnv("SMTP_HOST", ""),
		SMTPPort:        getEnv("SMTP_PORT", "587"),
		SMTPUsername:    getEnv("SMTP_USERNAME", ""),
		SMTPPassword:    getEnv("SMTP_PASSWORD", ""),
		SenderEmail:     getEnv("SENDER_EMAIL", "payments@localhost"),
		AlertRecipients: splitList(getEnv("ALERT_RECIPIENTS", "")),

		Providers: ProvidersConfig{
			Push: PushConfig{
				BaseURL:       getEnv("PUSH_BASE_URL", "http://localhost:9001"),
				APIKey:        getEnv("PUSH_API_KEY", ""),
				SigningSecret: getEnv("PUSH_SIGNING_SECRET", ""),
				CallbackURL:   getEnv("PUSH_CALLBACK_URL", "http://localhost:8080/webhooks/mobile_push"),
				Timeout:       10 * time.Second,
				ExpireAfter:   5 * time.Minute,
				Breaker:       defaultBreaker(),
			},
			Pull: PullConfig{
				Endpoint:      getEnv("PULL_ENDPOINT", "http://localhost:9002/soap"),
				MerchantID:    getEnv("PULL_MERCHANT_ID", ""),
				Username:      getEnv("PULL_USERNAME", ""),
				Password:      getEnv("PULL_PASSWORD", ""),
				SigningSecret: getEnv("PULL_SIGNING_SECRET", ""),
				CallbackURL:   getEnv("PULL_CALLBACK_URL", "http://localhost:8080/webhooks/mobile_pull"),
				Timeout:       10 * time.Second,
				PollAfter:     time.Minute,
				ExpireAfter:   10 * time.Minute,
				Breaker:       defaultBreaker(),
			},
			Manual: ManualConfig{
				BankName:         getEnv("BANK_NAME", ""),
				AccountNumber:    getEnv("BANK_ACCOUNT_NUMBER", ""),
				AccountName:      getEnv("BANK_ACCOUNT_NAME", ""),
				ReviewAlertAfter: 24 * time.Hour,
			},
		},
		Reconciliation: ReconciliationConfig{
			MatchWindow:    30 * time.Minute,
			MaxAmountRatio: 1.5,
		},
		Sweep: SweepConfig{
			Schedule:        getEnv("SWEEP_SCHEDULE", "@every 30s"),
			BatchSize:       getEnvInt("SWEEP_BATCH_SIZE", 100),
			AllocationGrace: time.Minute,
			LockTTL:         time.Minute,
		},
	}

	if cfg.ProvidersFile != "" {
		if err := cfg.loadProvidersFile(cfg.ProvidersFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadProvidersFile overlays the YAML file on top of the defaults
func (c *Config) loadProvidersFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read providers file: %w", err)
	}
	file := providersFile{Providers: &c.Providers, Reconciliation: &c.Reconciliation, Sweep: &c.Sweep}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse providers file %s: %w", path, err)
	}
	return nil
}

// Validate reports the first configuration problem found
func (c *Config) Validate() error {
	if c.Storage != "postgres" && c.Storage != "memory" {
		return fmt.Errorf("STORAGE must be postgres or memory, got %q", c.Storage)
	}
	if c.Storage == "postgres" && c.DBConn == "" {
		return fmt.Errorf("DB_CONN is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if c.Providers.Push.ExpireAfter <= 0 || c.Providers.Pull.ExpireAfter <= 0 {
		return fmt.Errorf("push and pull providers need a positive expire_after")
	}
	if c.Providers.Manual.ExpireAfter < 0 {
		return fmt.Errorf("bank_transfer expire_after cannot be negative")
	}
	if c.Reconciliation.MaxAmountRatio < 1 {
		return fmt.Errorf("max_amount_ratio must be at least 1, got %v", c.Reconciliation.MaxAmountRatio)
	}
	if c.Reconciliation.MatchWindow <= 0 {
		return fmt.Errorf("match_window must be positive")
	}
	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		return fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", c.Sweep.Schedule, err)
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("sweep batch_size must be positive")
	}
	return nil
}

// ExpireAfter returns how long an intent of the named provider may stay pending; zero means forever
func (c *Config) ExpireAfter(provider string) time.Duration {
	switch provider {
	case "mobile_push":
		return c.Providers.Push.ExpireAfter
	case "mobile_pull":
		return c.Providers.Pull.ExpireAfter
	case "bank_transfer":
		return c.Providers.Manual.ExpireAfter
	}
	return 0
}

func defaultBreaker() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
