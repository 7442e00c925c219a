package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gan-shmuel/gan-shmuel/internal/billing"
	jobmetrics "github.com/gan-shmuel/gan-shmuel/internal/jobs"
	"github.com/gan-shmuel/gan-shmuel/internal/shared"
)

const idempotencyModule = "rates"

// RateImporter loads a named rate sheet.
type RateImporter interface {
	ImportRateFile(ctx context.Context, name string) (int, error)
}

// KeyStore records processed task keys.
type KeyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// Auditor records completed imports.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// DirImporter imports sheets from a fixed directory through the billing service.
type DirImporter struct {
	Service *billing.Service
	Dir     string
}

// ImportRateFile implements RateImporter.
func (d DirImporter) ImportRateFile(ctx context.Context, name string) (int, error) {
	return billing.ImportRateFile(ctx, d.Service, d.Dir, name)
}

// RatesImportJob runs deferred rate sheet imports exactly once per task key.
type RatesImportJob struct {
	Importer RateImporter
	Keys     KeyStore
	Audit    Auditor
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle processes TaskRatesImport tasks.
func (j *RatesImportJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Importer == nil {
		return errors.New("rates import: handler not configured")
	}
	var payload RatesImportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.File == "" {
		return fmt.Errorf("rates import: decode payload: %w", asynq.SkipRetry)
	}
	logger := j.logger().With(slog.String("file", payload.File), slog.String("key", payload.Key))

	if j.Keys != nil && payload.Key != "" {
		err := j.Keys.CheckAndInsert(ctx, payload.Key, idempotencyModule)
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			logger.Info("rates import already processed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("rates import: idempotency: %w", err)
		}
	}

	tracker := j.metrics().Track(TaskRatesImport)
	count, err := j.Importer.ImportRateFile(ctx, payload.File)
	if err != nil {
		if j.Keys != nil && payload.Key != "" {
			if delErr := j.Keys.Delete(ctx, payload.Key); delErr != nil {
				logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		logger.Error("rates import", slog.Any("error", err))
		err = tracker.End(err)
		if errors.Is(err, billing.ErrRateFileNotFound) || errors.Is(err, billing.ErrMalformedRates) || errors.Is(err, billing.ErrNoRates) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	j.metrics().AddItems(TaskRatesImport, count)
	if j.Audit != nil {
		entry := shared.AuditLog{
			Action:   "rates:import",
			Entity:   "rates",
			EntityID: payload.File,
			Meta:     map[string]any{"count": strconv.Itoa(count), "key": payload.Key},
		}
		if err := j.Audit.Record(ctx, entry); err != nil {
			logger.Warn("audit rates import", slog.Any("error", err))
		}
	}
	logger.Info("completed rates import", slog.Int("count", count))
	return tracker.End(nil)
}

// HandleCleanup processes TaskIdempotencyCleanup tasks.
func (j *RatesImportJob) HandleCleanup(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: store not configured")
	}
	var payload CleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("idempotency cleanup: decode payload: %w", asynq.SkipRetry)
	}
	if payload.RetentionHours <= 0 {
		payload.RetentionHours = 24 * 30
	}
	tracker := j.metrics().Track(TaskIdempotencyCleanup)
	return tracker.End(j.Keys.Cleanup(ctx, time.Duration(payload.RetentionHours)*time.Hour))
}

func (j *RatesImportJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRatesImport))
	}
	return slog.Default().With(slog.String("job", TaskRatesImport))
}

func (j *RatesImportJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
