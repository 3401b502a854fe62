package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/meridianos/chartmerge/pkg/audit"
	"github.com/meridianos/chartmerge/pkg/bundle"
	"github.com/meridianos/chartmerge/pkg/common/config"
	"github.com/meridianos/chartmerge/pkg/common/database"
	"github.com/meridianos/chartmerge/pkg/common/kafka"
	"github.com/meridianos/chartmerge/pkg/common/logger"
	"github.com/meridianos/chartmerge/pkg/common/models"
	"github.com/meridianos/chartmerge/pkg/conflict"
	"github.com/meridianos/chartmerge/pkg/converter"
	"github.com/meridianos/chartmerge/pkg/identity"
	"github.com/meridianos/chartmerge/pkg/merge"
	"github.com/meridianos/chartmerge/pkg/normalizer"
	"github.com/meridianos/chartmerge/pkg/observability/metrics"
	"github.com/meridianos/chartmerge/pkg/review"
	"github.com/meridianos/chartmerge/pkg/terminology"
)

func main() {
	logger.Init()
	metrics.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres()

	redisClient := database.GetRedis()
	defer database.CloseRedis()

	bundleStore := bundle.NewGormStore(db)
	if err := bundleStore.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate bundle tables")
	}

	opStore := merge.NewGormOperationStore(db)
	if err := opStore.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate operation tables")
	}

	identities := identity.NewRepository(db)
	if err := identities.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate identity tables")
	}

	catalog := terminology.DefaultCatalog()
	if cfg.TerminologyPath != "" {
		catalog, err = terminology.Load(cfg.TerminologyPath)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to load terminology catalog")
		}
	}

	rules := conflict.DefaultSeverityRules()
	if cfg.SeverityRulesPath != "" {
		rules, err = conflict.LoadSeverityRules(cfg.SeverityRulesPath)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to load severity rules")
		}
	}

	producer := kafka.NewProducer(cfg.AuditTopic)
	defer producer.Close()

	detector := conflict.NewDetector(cfg.SimilarityThreshold, cfg.TemporalWindowDays, rules)
	orchestrator := merge.NewOrchestrator(
		bundle.NewCachedStore(bundleStore, redisClient, cfg.BundleCacheTTL),
		detector,
		conflict.NewResolver(),
	)

	service := merge.NewService(
		opStore,
		orchestrator,
		converter.New(normalizer.New(catalog)),
		review.NewGate(cfg.ConfidenceThreshold, cfg.MinResourceCount),
		identities,
		audit.NewSink(producer),
		merge.NewStatusCache(redisClient, cfg.OperationCacheTTL),
		cfg.MaxMergeWorkers,
	)

	consumer := kafka.NewConsumer(cfg.ExtractionTopic, cfg.KafkaGroupID)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Consume(ctx, extractionHandler(service)); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Fatal("Consumer error")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods("GET")
	merge.NewHTTPHandler(service, cfg.MaxRequestBody).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Merge Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Merge Service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Merge Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// extractionHandler turns upstream extraction events into merge submissions.
// The event payload is the extraction result itself.
func extractionHandler(service *merge.Service) kafka.EventHandler {
	return func(ctx context.Context, event models.Event) error {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			logger.Log.WithError(err).Warn("Unreadable extraction event, skipping")
			return nil
		}

		var extraction models.ExtractionResult
		if err := json.Unmarshal(raw, &extraction); err != nil {
			logger.Log.WithError(err).Warn("Malformed extraction event, skipping")
			return nil
		}

		op, err := service.Submit(ctx, extraction)
		if err != nil {
			logger.Log.WithError(err).WithFields(map[string]interface{}{
				"event_id": event.ID,
			}).Warn("Rejected extraction event")
			return nil
		}

		logger.Log.WithFields(map[string]interface{}{
			"event_id":     event.ID,
			"operation_id": op.ID,
			"patient_id":   extraction.PatientID,
			"document_id":  extraction.DocumentID,
		}).Info("Queued merge from extraction event")
		return nil
	}
}
