package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bloodbank/pkg/notify"
	"bloodbank/pkg/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Mailer is the notification boundary used by the workflow.
type Mailer interface {
	Send(ctx context.Context, tpl notify.Template, toEmail, toName string, data notify.TemplateData) notify.Result
	VerifyConfiguration(ctx context.Context) error
	From() string
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTLeeway   time.Duration
	SessionTTL  time.Duration

	// FallbackEmail enables the placeholder donor; empty disables it.
	FallbackEmail     string
	LowStockThreshold int

	Redis    *redis.Client
	Store    store.Store
	Sessions store.SessionStore
	Mailer   Mailer
}

// App is the core application service wiring together storage, sessions and mail.
type App struct {
	store         store.Store
	sessions      store.SessionStore
	mailer        Mailer
	resolvers     ResolverChain
	fallbackEmail string
	lowStock      int
	now           func() time.Time
}

// New constructs the application. Handles not supplied in cfg are opened here
// and released by Close.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis client is required for jwt session revocation")
		}
		revoker := store.NewRedisTokenRevoker(cfg.Redis, cfg.SessionTTL)
		jwtStore, err := store.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL, revoker, store.JWTOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
		})
		if err != nil {
			return nil, fmt.Errorf("init jwt session store: %w", err)
		}
		sessionStore = jwtStore
	}

	mailer := cfg.Mailer
	if mailer == nil {
		unconfigured, err := notify.NewDispatcher(nil, notify.Config{})
		if err != nil {
			return nil, fmt.Errorf("init mail dispatcher: %w", err)
		}
		mailer = unconfigured
	}

	fallback := strings.TrimSpace(cfg.FallbackEmail)
	return &App{
		store:         dataStore,
		sessions:      sessionStore,
		mailer:        mailer,
		resolvers:     NewResolverChain(dataStore, fallback),
		fallbackEmail: fallback,
		lowStock:      cfg.LowStockThreshold,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the data store. The Redis client belongs to the caller.
func (a *App) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

// VerifyMail checks mail transport connectivity without sending.
func (a *App) VerifyMail(ctx context.Context) error {
	return a.mailer.VerifyConfiguration(ctx)
}

// SendTestEmail delivers the service test template to addr.
func (a *App) SendTestEmail(ctx context.Context, addr string) (notify.Result, error) {
	addr = strings.TrimSpace(strings.ToLower(addr))
	if addr == "" {
		return notify.Result{}, invalid("email", "is required")
	}
	res := a.mailer.Send(ctx, notify.TemplateServiceTest, addr, "", notify.TemplateData{})
	a.logEmail(ctx, "", notify.TemplateServiceTest, addr, res, nil)
	if !res.Success {
		return res, &DeliveryError{Donor: DonorRef{Email: addr}, Code: res.Code, Reason: res.Error}
	}
	return res, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}
