package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/prismsocial/calsync/internal/calsync"
	"github.com/prismsocial/calsync/internal/config"
	"github.com/prismsocial/calsync/internal/httpapi"
	appLog "github.com/prismsocial/calsync/internal/log"
)

func main() {
	configPath := flag.String("config", os.Getenv("CALSYNC_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyEnvOverrides(&cfg)
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	store, queue, err := buildBackends(cfg)
	if err != nil {
		log.Fatalf("failed to initialize storage backends: %v", err)
	}
	defer store.Close()

	tokens := calsync.NewTokenManager(store, map[string]*oauth2.Config{
		calsync.ProviderGoogle: {
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     google.Endpoint,
		},
		calsync.ProviderOutlook: {
			ClientID:     cfg.Outlook.ClientID,
			ClientSecret: cfg.Outlook.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
		},
	})

	window := calsync.SyncWindow{Past: cfg.WindowPast, Future: cfg.WindowFuture}
	adapters := []calsync.ProviderAdapter{
		calsync.NewGoogleAdapter(calsync.GoogleAdapterOptions{
			Tokens:     tokens,
			WebhookURL: cfg.WebhookURL("hooks/google"),
			Window:     window,
		}),
		calsync.NewOutlookAdapter(calsync.OutlookAdapterOptions{
			Tokens:     tokens,
			WebhookURL: cfg.WebhookURL("hooks/outlook"),
			Window:     window,
		}),
	}

	subscriptions := calsync.NewSubscriptionManager(store, store, adapters, cfg.RenewLead)
	engine := calsync.NewEngine(store, queue, adapters, subscriptions, calsync.EngineOptions{
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
		RetryBase:   cfg.RetryBase,
		RetryMax:    cfg.RetryMax,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Start(ctx)
	defer engine.Close()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.RenewSchedule, func() {
		if err := engine.RenewalPass(ctx); err != nil {
			appLog.Error("subscription renewal pass failed", err)
		}
	}); err != nil {
		log.Fatalf("invalid renewal schedule %q: %v", cfg.RenewSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if *configPath != "" {
		stopWatch, watchErr := config.Watch(*configPath, func(fresh config.Config) {
			appLog.SetLevel(appLog.ParseLevel(fresh.LogLevel))
			appLog.Info("config reloaded", "level", fresh.LogLevel)
		})
		if watchErr != nil {
			appLog.Error("config watch unavailable", watchErr, "path", *configPath)
		} else {
			defer stopWatch()
		}
	}

	server := httpapi.NewServerWithConfig(engine, store, httpapi.ServerConfig{
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	})
	appLog.Info("calsyncd listening", "addr", cfg.Listen)
	if err := httpapi.ListenAndServe(ctx, cfg.Listen, server); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func buildBackends(cfg config.Config) (calsync.Store, calsync.JobQueue, error) {
	storeDSN, queueDSN, err := backendProfileDefaults(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := calsync.BuildStoreFromDSN(storeDSN)
	if err != nil {
		return nil, nil, err
	}
	queue, err := calsync.BuildJobQueueFromDSN(queueDSN, cfg.QueueCapacity)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, queue, nil
}

func backendProfileDefaults(cfg config.Config) (storeDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("CALSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("CALSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".calsync"
	}
	switch profile {
	case "", "custom":
		return cfg.StoreDSN, cfg.QueueDSN, nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("CALSYNC_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", "", fmt.Errorf("CALSYNC_POSTGRES_DSN is required when CALSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return cfg.StoreDSN, "file://" + filepath.Join(dataDir, "job-queue.json"), nil
	default:
		return "", "", fmt.Errorf("unsupported CALSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func applyEnvOverrides(cfg *config.Config) {
	if addr := strings.TrimSpace(os.Getenv("CALSYNC_ADDR")); addr != "" {
		cfg.Listen = addr
	}
	if base := strings.TrimSpace(os.Getenv("CALSYNC_PUBLIC_BASE_URL")); base != "" {
		cfg.PublicBaseURL = base
	}
	if level := strings.TrimSpace(os.Getenv("CALSYNC_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}
	if dsn := strings.TrimSpace(os.Getenv("CALSYNC_STORE_DSN")); dsn != "" {
		cfg.StoreDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("CALSYNC_QUEUE_DSN")); dsn != "" {
		cfg.QueueDSN = dsn
	}
	cfg.QueueCapacity = intEnv("CALSYNC_QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.Workers = intEnv("CALSYNC_WORKERS", cfg.Workers)
	cfg.MaxAttempts = intEnv("CALSYNC_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.RetryBase = durationEnv("CALSYNC_RETRY_BASE", cfg.RetryBase)
	cfg.RetryMax = durationEnv("CALSYNC_RETRY_MAX", cfg.RetryMax)
	cfg.WindowPast = durationEnv("CALSYNC_WINDOW_PAST", cfg.WindowPast)
	cfg.WindowFuture = durationEnv("CALSYNC_WINDOW_FUTURE", cfg.WindowFuture)
	cfg.RenewLead = durationEnv("CALSYNC_RENEW_LEAD", cfg.RenewLead)
	if schedule := strings.TrimSpace(os.Getenv("CALSYNC_RENEW_SCHEDULE")); schedule != "" {
		cfg.RenewSchedule = schedule
	}
	if clientID := strings.TrimSpace(os.Getenv("CALSYNC_GOOGLE_CLIENT_ID")); clientID != "" {
		cfg.Google.ClientID = clientID
	}
	if secret := strings.TrimSpace(os.Getenv("CALSYNC_GOOGLE_CLIENT_SECRET")); secret != "" {
		cfg.Google.ClientSecret = secret
	}
	if clientID := strings.TrimSpace(os.Getenv("CALSYNC_OUTLOOK_CLIENT_ID")); clientID != "" {
		cfg.Outlook.ClientID = clientID
	}
	if secret := strings.TrimSpace(os.Getenv("CALSYNC_OUTLOOK_CLIENT_SECRET")); secret != "" {
		cfg.Outlook.ClientSecret = secret
	}
	cfg.RateLimitMax = intEnv("CALSYNC_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = durationEnv("CALSYNC_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.MaxBodyBytes = int64Env("CALSYNC_MAX_BODY_BYTES", cfg.MaxBodyBytes)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
