package jobs

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillWarmup precomputes provider bills into the bill cache.
	TaskBillWarmup = "billing:warmup"
	// TaskRatesImport replaces the rate table from a sheet in the rates directory.
	TaskRatesImport = "rates:import"
	// TaskIdempotencyCleanup prunes processed task keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// Warm-up periods.
const (
	PeriodPrevious = "previous"
	PeriodCurrent  = "current"
)

// BillWarmupPayload selects the month whose bills are computed.
type BillWarmupPayload struct {
	Period string `json:"period"`
}

// RatesImportPayload names the sheet to import. Key deduplicates redelivered tasks.
type RatesImportPayload struct {
	File string `json:"file"`
	Key  string `json:"key"`
}

// CleanupPayload sets the retention of processed task keys in hours.
type CleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewBillWarmupTask builds a warm-up task for period.
func NewBillWarmupTask(period string) (*asynq.Task, error) {
	if period == "" {
		period = PeriodPrevious
	}
	if period != PeriodPrevious && period != PeriodCurrent {
		return nil, errors.New("jobs: unknown warm-up period " + period)
	}
	body, err := json.Marshal(BillWarmupPayload{Period: period})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillWarmup, body, asynq.Queue(QueueDefault)), nil
}

// NewRatesImportTask builds an import task with a fresh key that doubles as the asynq task id.
func NewRatesImportTask(file string) (*asynq.Task, error) {
	if file == "" {
		return nil, errors.New("jobs: rate sheet name required")
	}
	key := uuid.NewString()
	body, err := json.Marshal(RatesImportPayload{File: file, Key: key})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRatesImport, body, asynq.Queue(QueueDefault), asynq.TaskID(key), asynq.MaxRetry(3)), nil
}

// NewCleanupTask builds a cleanup task keeping keys newer than retentionHours.
func NewCleanupTask(retentionHours int) (*asynq.Task, error) {
	if retentionHours <= 0 {
		retentionHours = 24 * 30
	}
	body, err := json.Marshal(CleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
