package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bloodbank/internal/app"
	"bloodbank/internal/config"
	"bloodbank/internal/server"
	"bloodbank/internal/util"
	"bloodbank/pkg/notify"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse JWT leeway: %v", err)
	}
	mailTimeout, err := config.ParseMailTimeout(cfg.MailTimeout)
	if err != nil {
		log.Fatalf("failed to parse mail timeout: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	var transport notify.Transport
	if cfg.SMTPHost != "" {
		smtp, err := notify.NewSMTPTransport(notify.SMTPConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			TLSPolicy: cfg.SMTPTLSPolicy,
			Timeout:   mailTimeout,
		})
		if err != nil {
			log.Fatalf("failed to init smtp transport: %v", err)
		}
		transport = smtp
	} else {
		logger.Warn("smtp host not configured; email dispatch disabled")
	}
	dispatcher, err := notify.NewDispatcher(transport, notify.Config{
		From:     cfg.MailFrom,
		FromName: cfg.MailFromName,
		Timeout:  mailTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init mail dispatcher: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:       cfg.DatabaseURL,
		JWTSecret:         cfg.JWTSecret,
		JWTIssuer:         cfg.JWTIssuer,
		JWTAudience:       cfg.JWTAudience,
		JWTLeeway:         jwtLeeway,
		SessionTTL:        sessionTTL,
		FallbackEmail:     cfg.FallbackEmail,
		LowStockThreshold: cfg.LowStockThreshold,
		Redis:             redisClient,
		Mailer:            dispatcher,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	startCtx := util.ContextWithLogger(context.Background(), logger)
	if cfg.InitInventory() {
		if _, err := appCore.InitializeInventory(startCtx); err != nil {
			log.Fatalf("failed to initialize inventory: %v", err)
		}
	}
	if dispatcher.Configured() {
		verifyCtx, cancel := context.WithTimeout(startCtx, mailTimeout)
		if err := appCore.VerifyMail(verifyCtx); err != nil {
			logger.Warn("smtp verification failed", "err", err)
		}
		cancel()
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Redis:                    redisClient,
		AllowedOrigins:           cfg.AllowedOrigins,
		TrustedProxies:           trusted,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		EmailRateLimitPerMinute:  cfg.EmailRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// bulk sends dispatch sequentially, each bounded by the mail timeout
		WriteTimeout: time.Duration(app.MaxBulkRecipients)*mailTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("bloodbank server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
