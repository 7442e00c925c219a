package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gan-shmuel/gan-shmuel/internal/billing"
	jobmetrics "github.com/gan-shmuel/gan-shmuel/internal/jobs"
	"github.com/gan-shmuel/gan-shmuel/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// BillCalculator is the part of the billing service the warm-up needs.
type BillCalculator interface {
	ListProviders(ctx context.Context) ([]billing.Provider, error)
	CalculateBill(ctx context.Context, providerID int64, r billing.Range) (billing.Bill, error)
}

// BillWarmupJob computes every provider's bill for a month so later reads hit the cache.
type BillWarmupJob struct {
	Billing  BillCalculator
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewBillWarmupJob wires dependencies for the warm-up handler.
func NewBillWarmupJob(calc BillCalculator, loc *time.Location, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillWarmupJob {
	if loc == nil {
		loc = time.Local
	}
	return &BillWarmupJob{Billing: calc, Location: loc, Logger: logger, Metrics: metrics, clock: time.Now}
}

// Handle processes TaskBillWarmup tasks.
func (j *BillWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Billing == nil {
		return errors.New("bill warmup: handler not configured")
	}
	var payload BillWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("bill warmup: decode payload: %w", asynq.SkipRetry)
	}
	rng, err := j.period(payload.Period)
	if err != nil {
		return fmt.Errorf("bill warmup: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskBillWarmup)
	logger := j.logger().With(slog.String("from", shared.FormatTimestamp(rng.From)), slog.String("to", shared.FormatTimestamp(rng.To)))
	warmed, err := j.warm(ctx, rng, logger)
	j.metrics().AddItems(TaskBillWarmup, warmed)
	if err != nil {
		logger.Error("bill warmup", slog.Int("warmed", warmed), slog.Any("error", err))
	} else {
		logger.Info("completed bill warmup", slog.Int("warmed", warmed))
	}
	return tracker.End(err)
}

func (j *BillWarmupJob) warm(ctx context.Context, rng billing.Range, logger *slog.Logger) (int, error) {
	providers, err := j.Billing.ListProviders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list providers: %w", err)
	}
	warmed := 0
	var errs []error
	for _, p := range providers {
		billCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		_, err := j.Billing.CalculateBill(billCtx, p.ID, rng)
		cancel()
		if err != nil {
			logger.Warn("warm bill", slog.Int64("provider", p.ID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("provider %d: %w", p.ID, err))
			continue
		}
		warmed++
	}
	return warmed, errors.Join(errs...)
}

func (j *BillWarmupJob) period(name string) (billing.Range, error) {
	now := j.now().In(j.Location)
	monthStart := shared.StartOfMonth(now)
	switch name {
	case "", PeriodPrevious:
		return billing.Range{From: monthStart.AddDate(0, -1, 0), To: monthStart.Add(-time.Second)}, nil
	case PeriodCurrent:
		return billing.Range{From: monthStart, To: shared.StartOfDay(now).Add(-time.Second)}, nil
	default:
		return billing.Range{}, fmt.Errorf("unknown period %q", name)
	}
}

func (j *BillWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillWarmup))
	}
	return slog.Default().With(slog.String("job", TaskBillWarmup))
}

func (j *BillWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BillWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now()
}
