// Package main provides the notifier service entry point.
// Consumes queued notification requests and delivers them through
// provider webhooks behind per-channel circuit breakers.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/infrastructure/redpanda"
	"github.com/curahealth/careflow/internal/notify"
	"github.com/curahealth/careflow/internal/observability/metrics"
	"github.com/curahealth/careflow/internal/observability/tracing"
	"github.com/curahealth/careflow/pkg/circuitbreaker"
	"github.com/curahealth/careflow/pkg/workerpool"
)

// Config holds notifier configuration
type Config struct {
	Brokers         []string
	MetricsPort     string
	EmailWebhookURL string
	SMSWebhookURL   string
	ProviderAPIKey  string
	Workers         int
}

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := loadConfig()
	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.DefaultConfig("notifier"))
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

	m := metrics.New()

	// Delivery providers, one per channel.
	providers := map[notify.Channel]notify.Provider{}
	if cfg.EmailWebhookURL != "" {
		providers[notify.ChannelEmail] = notify.NewWebhookProvider(
			cfg.EmailWebhookURL, cfg.ProviderAPIKey, notify.ChannelEmail, logger)
	}
	if cfg.SMSWebhookURL != "" {
		providers[notify.ChannelSMS] = notify.NewWebhookProvider(
			cfg.SMSWebhookURL, cfg.ProviderAPIKey, notify.ChannelSMS, logger)
	}
	if len(providers) == 0 {
		logger.Fatal("no delivery providers configured")
	}

	breakers := circuitbreaker.NewManager(logger)
	deliverer := notify.NewDeliverer(notify.NewRegistry(), providers, breakers, m, logger)

	// Bounded delivery concurrency with retry.
	poolCfg := workerpool.DefaultConfig()
	if cfg.Workers > 0 {
		poolCfg.Workers = cfg.Workers
	}
	pool := workerpool.New(poolCfg, logger)
	pool.Start()
	defer pool.Stop()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers
	consumerCfg.Topics = []string{redpanda.TopicNotifyRequests}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		// SubmitWait keeps the commit behind the delivery outcome: a
		// failed delivery leaves the offset uncommitted for redelivery.
		return pool.SubmitWait(ctx, &workerpool.Job{
			ID: string(msg.Key),
			Fn: func(ctx context.Context) error {
				return deliverer.HandleRecord(ctx, msg.Value)
			},
		})
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("notifier started",
		zap.Strings("brokers", cfg.Brokers),
		zap.Int("workers", poolCfg.Workers))

	// Metrics and breaker health on a side port.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			if !pool.IsHealthy() {
				http.Error(w, "delivery queue backed up", http.StatusServiceUnavailable)
				return
			}
			statuses := breakers.GetHealthStatus()
			for _, s := range statuses {
				if !s.Healthy {
					w.WriteHeader(http.StatusServiceUnavailable)
					json.NewEncoder(w).Encode(statuses)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	logger.Info("notifier stopped")
}

func loadConfig() Config {
	brokers := []string{"localhost:9092"}
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = strings.Split(b, ",")
	}

	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "9091"
	}

	workers := 0
	if w := os.Getenv("DELIVERY_WORKERS"); w != "" {
		if n, err := strconv.Atoi(w); err == nil {
			workers = n
		}
	}

	return Config{
		Brokers:         brokers,
		MetricsPort:     metricsPort,
		EmailWebhookURL: os.Getenv("EMAIL_WEBHOOK_URL"),
		SMSWebhookURL:   os.Getenv("SMS_WEBHOOK_URL"),
		ProviderAPIKey:  os.Getenv("PROVIDER_API_KEY"),
		Workers:         workers,
	}
}
