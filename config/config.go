package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Verify   VerifyConfig   `yaml:"verification"`
	Delivery DeliveryConfig `yaml:"delivery"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type VerifyConfig struct {
	// Store is postgres, redis or memory.
	Store           string        `yaml:"store"`
	MaxAttempts     int           `yaml:"max_attempts"`
	EmailPolicy     string        `yaml:"email_policy"`
	Hasher          string        `yaml:"hasher"`
	BcryptCost      int           `yaml:"bcrypt_cost"`
	Retention       time.Duration `yaml:"retention"`
	PurgeInterval   time.Duration `yaml:"purge_interval"`
	AppBaseURL      string        `yaml:"app_base_url"`
	EmailVerifyPath string        `yaml:"email_verify_path"`
}

type DeliveryConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	SMS     BackendConfig `yaml:"sms"`
	Email   BackendConfig `yaml:"email"`
}

// BackendConfig names a registered transport and the options passed to its
// factory.
type BackendConfig struct {
	Backend string            `yaml:"backend"`
	Options map[string]string `yaml:"options"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Redis:  RedisConfig{Addr: "localhost:6379", Prefix: "cv"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Verify: VerifyConfig{
			Store:           "postgres",
			MaxAttempts:     5,
			EmailPolicy:     "supersede",
			Hasher:          "bcrypt",
			Retention:       24 * time.Hour,
			PurgeInterval:   time.Hour,
			EmailVerifyPath: "/verify-email",
		},
		Delivery: DeliveryConfig{
			Timeout: 10 * time.Second,
			SMS:     BackendConfig{Backend: "mobizon", Options: map[string]string{}},
			Email:   BackendConfig{Backend: "smtp", Options: map[string]string{}},
		},
	}
}

// Load reads .env (if present), then the YAML file named by
// VERIFY_CONFIG_FILE (if set), then environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("VERIFY_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if c.Delivery.SMS.Options == nil {
		c.Delivery.SMS.Options = map[string]string{}
	}
	if c.Delivery.Email.Options == nil {
		c.Delivery.Email.Options = map[string]string{}
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error

	c.Server.Addr = getEnv("HTTP_ADDR", c.Server.Addr)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.JWT.Secret = getEnv("JWT_SECRET", c.JWT.Secret)
	c.JWT.Issuer = getEnv("JWT_ISSUER", c.JWT.Issuer)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Prefix = getEnv("REDIS_PREFIX", c.Redis.Prefix)
	c.Redis.DB = getIntEnv("REDIS_DB", c.Redis.DB, &errs)

	c.Verify.Store = getEnv("STORE_DRIVER", c.Verify.Store)
	c.Verify.MaxAttempts = getIntEnv("VERIFY_MAX_ATTEMPTS", c.Verify.MaxAttempts, &errs)
	c.Verify.EmailPolicy = getEnv("VERIFY_EMAIL_POLICY", c.Verify.EmailPolicy)
	c.Verify.Hasher = getEnv("VERIFY_HASHER", c.Verify.Hasher)
	c.Verify.BcryptCost = getIntEnv("BCRYPT_COST", c.Verify.BcryptCost, &errs)
	c.Verify.Retention = getDurationEnv("TOKEN_RETENTION", c.Verify.Retention, &errs)
	c.Verify.PurgeInterval = getDurationEnv("PURGE_INTERVAL", c.Verify.PurgeInterval, &errs)
	c.Verify.AppBaseURL = getEnv("APP_BASE_URL", c.Verify.AppBaseURL)
	c.Verify.EmailVerifyPath = getEnv("EMAIL_VERIFY_PATH", c.Verify.EmailVerifyPath)

	c.Delivery.Timeout = getDurationEnv("DELIVERY_TIMEOUT", c.Delivery.Timeout, &errs)
	c.Delivery.SMS.Backend = getEnv("SMS_BACKEND", c.Delivery.SMS.Backend)
	c.Delivery.Email.Backend = getEnv("EMAIL_BACKEND", c.Delivery.Email.Backend)

	setOption(c.Delivery.SMS.Options, "api_key", "MOBIZON_API_KEY")
	setOption(c.Delivery.SMS.Options, "sender", "MOBIZON_SENDER")
	setOption(c.Delivery.SMS.Options, "base_url", "MOBIZON_BASE_URL")
	setOption(c.Delivery.SMS.Options, "dry_run", "MOBIZON_DRY_RUN")

	switch strings.ToLower(c.Delivery.Email.Backend) {
	case "resend":
		setOption(c.Delivery.Email.Options, "api_key", "RESEND_API_KEY")
		setOption(c.Delivery.Email.Options, "from", "RESEND_FROM")
	default:
		setOption(c.Delivery.Email.Options, "host", "SMTP_HOST")
		setOption(c.Delivery.Email.Options, "port", "SMTP_PORT")
		setOption(c.Delivery.Email.Options, "username", "SMTP_USER")
		setOption(c.Delivery.Email.Options, "password", "SMTP_PASSWORD")
		setOption(c.Delivery.Email.Options, "from", "SMTP_FROM")
	}

	return errors.Join(errs...)
}

// Validate rejects values the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Verify.Store {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Verify.Store))
	}
	switch c.Verify.Hasher {
	case "bcrypt", "argon2id":
	default:
		errs = append(errs, fmt.Errorf("unknown hasher %q", c.Verify.Hasher))
	}
	switch c.Verify.EmailPolicy {
	case "supersede", "reject":
	default:
		errs = append(errs, fmt.Errorf("unknown email policy %q", c.Verify.EmailPolicy))
	}
	if c.Verify.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}
	if c.Delivery.Timeout <= 0 {
		errs = append(errs, errors.New("delivery timeout must be positive"))
	}
	if c.Verify.Retention < 0 || c.Verify.PurgeInterval < 0 {
		errs = append(errs, errors.New("retention and purge interval must not be negative"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Delivery.SMS.Backend == "" || c.Delivery.Email.Backend == "" {
		errs = append(errs, errors.New("both SMS and email backends must be configured"))
	}
	return errors.Join(errs...)
}

func getEnv(key string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int, errs *[]error) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return parsed
}

// getDurationEnv accepts Go duration strings ("90s", "24h").
func getDurationEnv(key string, fallback time.Duration, errs *[]error) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return parsed
}

func setOption(options map[string]string, name string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		options[name] = value
	}
}
