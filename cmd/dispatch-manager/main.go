// cmd/dispatch-manager/main.go
package main

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"campaign-dispatch/internal/audit"
	"campaign-dispatch/internal/common/config"
	"campaign-dispatch/internal/common/database"
	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/common/observability"
	"campaign-dispatch/internal/common/queue"
	"campaign-dispatch/internal/dispatch"
	"campaign-dispatch/internal/health"
	"campaign-dispatch/internal/models"
	"campaign-dispatch/internal/ratelimit"
	"campaign-dispatch/internal/store"
	"campaign-dispatch/internal/transport"

	sb "campaign-dispatch/internal/workers/campaign/send-batch"
	sm "campaign-dispatch/internal/workers/campaign/send-message"
	sc "campaign-dispatch/internal/workers/campaign/start-campaign"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New("info", "console")
		fallback.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting dispatch manager...")

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		// Test the connection with context
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		// Test the connection with context
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Elasticsearch with retry (audit sink, optional) ---
	var auditor *audit.Indexer
	if cfg.Audit.Enabled && cfg.Database.Elasticsearch.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			// Test the connection
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")

		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		auditor = audit.NewIndexer(esClient.Client, cfg.Database.Elasticsearch.AuditIndex, log)
		zapLog.Info("Elasticsearch connected successfully")
	} else {
		zapLog.Info("Audit sink disabled, delivery events will not be indexed")
	}

	// --- Stores ---
	campaigns := store.NewCampaignStore(pg.DB, log)
	recipients := store.NewRecipientStore(pg.DB, log)
	signals := store.NewSignalStore(pg.DB, log)

	// --- Queue ---
	q := queue.New(redis.Client, cfg.Queue, log)

	// --- Rate policy engine ---
	loadProbe, err := ratelimit.NewSystemLoadProbe(q, log)
	if err != nil {
		zapLog.Fatal("load probe init failed", zap.Error(err))
	}
	rates := ratelimit.NewEngine(cfg.RateLimit, signals, loadProbe, log)

	// --- Channel transport + session health ---
	sender, probe, err := buildTransport(ctx, cfg, log)
	if err != nil {
		zapLog.Fatal("transport init failed", zap.Error(err))
	}
	monitor := health.NewMonitor(health.NewRedisStateCache(redis.Client), probe, cfg.Health, log)

	// --- Dispatch core ---
	scheduler := dispatch.NewScheduler(campaigns, q, cfg.Dispatch, log)
	tracker := dispatch.NewTracker(campaigns, log)
	engine := dispatch.NewEngine(scheduler, tracker, campaigns, q, log)

	// --- Register workers ---
	pool := queue.NewWorker(q, queue.WorkerConfig{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
		TransportDelay: map[models.JobType]time.Duration{
			models.JobTypeSendBatch:   cfg.Dispatch.BatchRequeueDelay,
			models.JobTypeSendMessage: cfg.Dispatch.MessageRequeueDelay,
		},
	}, log)

	pool.Register(models.JobTypeStartCampaign,
		sc.NewHandler(sc.LoadConfig(cfg.Dispatch), campaigns, recipients, scheduler, log))
	pool.Register(models.JobTypeSendBatch,
		sb.NewHandler(sb.LoadConfig(cfg.Dispatch), campaigns, recipients, monitor, rates, tracker, q, sender, auditor, log))
	pool.Register(models.JobTypeSendMessage,
		sm.NewHandler(sm.LoadConfig(cfg.Dispatch), campaigns, recipients, monitor, tracker, sender, log))

	pool.Start(ctx)
	zapLog.Info("All dispatch workers registered successfully",
		zap.Int("concurrency", cfg.Queue.Concurrency))

	// --- API, Health & Metrics Server ---
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.HTTPPort),
		Handler: buildRoutes(engine, campaigns, recipients, zapLog),
	}
	go func() {
		zapLog.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !goerrors.Is(err, http.ErrServerClosed) {
			zapLog.Error("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping workers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping HTTP server", zap.Error(err))
	}

	cancel()
	pool.Stop()

	zapLog.Info("Dispatch manager stopped gracefully")
}

// buildTransport picks the configured channel. SNS wins when both are
// enabled; the engine dispatches over exactly one channel per deployment.
func buildTransport(ctx context.Context, cfg *config.Config, log logger.Logger) (transport.Sender, health.SessionProbe, error) {
	aws := cfg.Transport.AWS

	if aws.SNS.Enabled {
		sender, err := transport.NewSNSSender(ctx, aws.Region, aws.SNS.SenderID, log)
		if err != nil {
			return nil, nil, err
		}
		probe, err := transport.NewSNSSessionProbe(ctx, aws.Region, log)
		if err != nil {
			return nil, nil, err
		}
		return sender, probe, nil
	}

	if aws.SES.Enabled {
		sender, err := transport.NewSESSender(ctx, aws.Region, aws.SES.FromEmail, log)
		if err != nil {
			return nil, nil, err
		}
		probe, err := transport.NewSESSessionProbe(ctx, aws.Region, log)
		if err != nil {
			return nil, nil, err
		}
		return sender, probe, nil
	}

	return nil, nil, fmt.Errorf("no transport channel enabled, set transport.aws.ses or transport.aws.sns")
}

func buildRoutes(engine *dispatch.Engine, campaigns *store.CampaignStore, recipients *store.RecipientStore, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ready",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	mux.HandleFunc("POST /campaigns", func(w http.ResponseWriter, r *http.Request) {
		var campaign models.Campaign
		if err := json.NewDecoder(r.Body).Decode(&campaign); err != nil {
			writeError(w, log, errors.NewValidationError("invalid campaign body: "+err.Error()))
			return
		}
		if campaign.ID == "" {
			campaign.ID = uuid.New().String()
		}
		if err := campaigns.Create(r.Context(), &campaign); err != nil {
			writeError(w, log, err)
			return
		}
		for _, variant := range campaign.Variants {
			if err := recipients.BulkInsert(r.Context(), campaign.ID, variant.Name, variant.Recipients); err != nil {
				writeError(w, log, err)
				return
			}
		}
		writeJSON(w, http.StatusCreated, map[string]string{"campaignId": campaign.ID})
	})

	mux.HandleFunc("POST /campaigns/{id}/launch", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := engine.LaunchCampaign(r.Context(), id); err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"campaignId": id, "status": "launched"})
	})

	mux.HandleFunc("GET /campaigns/{id}/progress", func(w http.ResponseWriter, r *http.Request) {
		progress, err := engine.GetCampaignProgress(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)
	})

	// Channel-side delivery callbacks (delivered/read receipts).
	mux.HandleFunc("POST /receipts", func(w http.ResponseWriter, r *http.Request) {
		var receipt struct {
			MessageID string                `json:"messageId"`
			Status    models.DeliveryStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&receipt); err != nil {
			writeError(w, log, errors.NewValidationError("invalid receipt body: "+err.Error()))
			return
		}
		if err := recipients.RecordReceipt(r.Context(), receipt.MessageID, receipt.Status); err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"messageId": receipt.MessageID, "status": string(receipt.Status)})
	})

	mux.HandleFunc("POST /campaigns/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := engine.CancelCampaign(r.Context(), id); err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"campaignId": id, "status": "cancelled"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := http.StatusInternalServerError

	var stdErr *errors.StandardError
	if goerrors.As(err, &stdErr) {
		switch stdErr.Code {
		case errors.ErrCodeCampaignNotFound:
			status = http.StatusNotFound
		case errors.ErrCodeIllegalTransition:
			status = http.StatusConflict
		case errors.ErrCodeCampaignInvalid, errors.ErrCodeJobPayloadInvalid:
			status = http.StatusBadRequest
		}
		log.Warn("request failed", zap.String("code", string(stdErr.Code)), zap.Error(err))
		writeJSON(w, status, stdErr)
		return
	}

	log.Error("request failed", zap.Error(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
