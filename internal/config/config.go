package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`
	SessionTTL  string `yaml:"sessionTTL"`

	SMTPHost      string `yaml:"smtpHost"`
	SMTPPort      int    `yaml:"smtpPort"`
	SMTPUsername  string `yaml:"smtpUsername"`
	SMTPPassword  string `yaml:"smtpPassword"`
	SMTPTLSPolicy string `yaml:"smtpTlsPolicy"`
	MailFrom      string `yaml:"mailFrom"`
	MailFromName  string `yaml:"mailFromName"`
	MailTimeout   string `yaml:"mailTimeout"`
	FallbackEmail string `yaml:"fallbackEmail"`

	LowStockThreshold int `yaml:"lowStockThreshold"`

	AllowedOrigins            []string `yaml:"allowedOrigins"`
	TrustedProxyCIDRs         []string `yaml:"trustedProxyCidrs"`
	SignupRateLimitPerMinute  int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute   int      `yaml:"loginRateLimitPerMinute"`
	EmailRateLimitPerMinute   int      `yaml:"emailRateLimitPerMinute"`
	InitInventoryOnStart      *bool    `yaml:"initInventoryOnStart"`
}

// Load reads config from path (defaults to config.yaml), then applies environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.SessionTTL, "SESSION_TTL")
	setString(&cfg.SMTPHost, "SMTP_HOST")
	setInt(&cfg.SMTPPort, "SMTP_PORT")
	setString(&cfg.SMTPUsername, "SMTP_USERNAME")
	setString(&cfg.SMTPPassword, "SMTP_PASSWORD")
	setString(&cfg.SMTPTLSPolicy, "SMTP_TLS_POLICY")
	setString(&cfg.MailFrom, "SMTP_FROM")
	setString(&cfg.MailFromName, "SMTP_FROM_NAME")
	setString(&cfg.MailTimeout, "MAIL_TIMEOUT")
	setString(&cfg.FallbackEmail, "FALLBACK_EMAIL")
	setInt(&cfg.LowStockThreshold, "LOW_STOCK_THRESHOLD")
	setInt(&cfg.SignupRateLimitPerMinute, "SIGNUP_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.LoginRateLimitPerMinute, "LOGIN_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.EmailRateLimitPerMinute, "EMAIL_RATE_LIMIT_PER_MINUTE")
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("INIT_INVENTORY_ON_START"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.InitInventoryOnStart = &b
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for token revocation and rate limiting")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.EmailRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.LowStockThreshold < 0 {
		return errors.New("config: lowStockThreshold must be >= 0")
	}
	if cfg.SMTPPort < 0 || cfg.SMTPPort > 65535 {
		return errors.New("config: smtpPort out of range")
	}
	if cfg.SMTPHost != "" && strings.TrimSpace(cfg.MailFrom) == "" {
		return errors.New("config: mailFrom is required when smtpHost is set")
	}
	for name, addr := range map[string]string{"mailFrom": cfg.MailFrom, "fallbackEmail": cfg.FallbackEmail} {
		if addr == "" {
			continue
		}
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("config: %s is not a valid address: %w", name, err)
		}
	}
	if _, err := ParseSessionTTL(cfg.SessionTTL); err != nil {
		return err
	}
	if _, err := ParseMailTimeout(cfg.MailTimeout); err != nil {
		return err
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	return nil
}

// InitInventory reports whether inventory rows should be ensured at startup (default true).
func (c FileConfig) InitInventory() bool {
	return c.InitInventoryOnStart == nil || *c.InitInventoryOnStart
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseSessionTTL parses session TTL duration string (defaults to 24h).
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("sessionTTL must be positive")
	}
	return dur, nil
}

// ParseMailTimeout parses the mail delivery timeout (defaults to 15s).
func ParseMailTimeout(timeoutStr string) (time.Duration, error) {
	if timeoutStr == "" {
		return 15 * time.Second, nil
	}
	dur, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return 0, fmt.Errorf("invalid mailTimeout duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("mailTimeout must be positive")
	}
	return dur, nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
