package weighing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/gan-shmuel/gan-shmuel/internal/shared"
	"github.com/gan-shmuel/gan-shmuel/internal/units"
)

// TxRepository exposes the per-truck operations run while the truck lock is held.
type TxRepository interface {
	// LastForTruck returns the truck's record skipping offset newer ones, by id descending.
	LastForTruck(ctx context.Context, truck string, offset int) (Record, error)
	Insert(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, rec Record) error
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTruckLock(ctx context.Context, truck string, fn func(context.Context, TxRepository) error) error
	Query(ctx context.Context, filter Filter) ([]Record, error)
}

// TareCalculator resolves the aggregate tare of a container list.
type TareCalculator interface {
	TotalTare(ctx context.Context, ids []string) (int64, bool, error)
}

// ChangeNotifier is told about every successful write.
type ChangeNotifier interface {
	WeighingRecorded(ctx context.Context, rec Record) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Observer receives ledger outcomes for metrics.
type Observer interface {
	ObserveWeighing(direction, outcome string)
}

// Outcomes reported to the Observer.
const (
	OutcomeCreated   = "created"
	OutcomeCorrected = "corrected"
	OutcomeConflict  = "conflict"
	OutcomeInvalid   = "invalid"
)

// Session ids stay below 2^53.
var maxSessionID = big.NewInt(1<<53 - 1)

// Service is the session ledger plus its read path.
type Service struct {
	repo       RepositoryPort
	tares      TareCalculator
	notifier   ChangeNotifier
	audit      AuditPort
	observer   Observer
	logger     *slog.Logger
	sessionIDs func() (int64, error)
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Notifier ChangeNotifier
	Audit    AuditPort
	Observer Observer
	Logger   *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, tares TareCalculator, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		tares:      tares,
		notifier:   cfg.Notifier,
		audit:      cfg.Audit,
		observer:   cfg.Observer,
		logger:     logger,
		sessionIDs: randomSessionID,
	}
}

func randomSessionID() (int64, error) {
	n, err := rand.Int(rand.Reader, maxSessionID)
	if err != nil {
		return 0, err
	}
	return n.Int64() + 1, nil
}

// RecordEvent applies a scale reading to the truck's session state.
//
// The read of the truck's last record and the resulting write happen under a per-truck
// lock so at most one session per truck is ever open. A Conflict result leaves the
// ledger untouched.
func (s *Service) RecordEvent(ctx context.Context, evt Event) (Result, error) {
	evt.Truck = strings.TrimSpace(evt.Truck)
	if evt.Truck == "" {
		s.observe(evt.Direction, OutcomeInvalid)
		return Result{}, ErrTruckRequired
	}
	if evt.Direction == "" {
		evt.Direction = DirectionNone
	}
	bruto, err := s.bruto(evt)
	if err != nil {
		s.observe(evt.Direction, OutcomeInvalid)
		return Result{}, err
	}

	var result Result
	err = s.repo.WithTruckLock(ctx, evt.Truck, func(ctx context.Context, tx TxRepository) error {
		result = Result{}
		last, err := tx.LastForTruck(ctx, evt.Truck, 0)
		hasLast := true
		if errors.Is(err, ErrRecordNotFound) {
			hasLast = false
		} else if err != nil {
			return fmt.Errorf("weighing: last record: %w", err)
		}

		rec := Record{
			Direction:  evt.Direction,
			Truck:      evt.Truck,
			Containers: evt.Containers,
			Bruto:      bruto,
			Produce:    evt.Produce,
		}
		switch evt.Direction {
		case DirectionOut:
			if hasLast {
				rec.SessionID = last.SessionID
			}
		default:
			id, err := s.sessionIDs()
			if err != nil {
				return fmt.Errorf("weighing: session id: %w", err)
			}
			rec.SessionID = id
		}

		if !hasLast {
			if evt.Direction == DirectionOut {
				result.Conflict = &Conflict{Reason: "truck isn't in"}
				return nil
			}
			created, err := tx.Insert(ctx, rec)
			if err != nil {
				return fmt.Errorf("weighing: insert: %w", err)
			}
			result.Record = &created
			return nil
		}

		if last.Direction == DirectionIn && evt.Direction == DirectionOut {
			if err := s.closeSession(ctx, &rec, last.Bruto); err != nil {
				return err
			}
			created, err := tx.Insert(ctx, rec)
			if err != nil {
				return fmt.Errorf("weighing: insert: %w", err)
			}
			result.Record = &created
			return nil
		}

		if conflicting(last.Direction, evt.Direction) {
			if !evt.Force {
				result.Conflict = &Conflict{Reason: "truck already " + string(last.Direction)}
				return nil
			}
			corrected, err := s.correct(ctx, tx, last, rec)
			if err != nil {
				return err
			}
			result.Record = &corrected
			result.Corrected = true
			return nil
		}

		created, err := tx.Insert(ctx, rec)
		if err != nil {
			return fmt.Errorf("weighing: insert: %w", err)
		}
		result.Record = &created
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if result.Conflict != nil {
		s.observe(evt.Direction, OutcomeConflict)
		s.logger.Info("weighing conflict", slog.String("truck", evt.Truck), slog.String("reason", result.Conflict.Reason))
		return result, nil
	}
	outcome := OutcomeCreated
	if result.Corrected {
		outcome = OutcomeCorrected
	}
	s.observe(evt.Direction, outcome)
	s.afterWrite(ctx, *result.Record, result.Corrected)
	return result, nil
}

// conflicting reports whether a new event repeats the truck's state: the same direction
// twice, or a none/in pair in either order.
func conflicting(last, next Direction) bool {
	if last == next {
		return true
	}
	return (last == DirectionNone && next == DirectionIn) || (last == DirectionIn && next == DirectionNone)
}

func (s *Service) bruto(evt Event) (int64, error) {
	kg, ok := units.ToKilograms(evt.Weight, evt.Unit)
	if !ok {
		return 0, fmt.Errorf("%w: %s %s", ErrInvalidWeight, evt.Weight.String(), evt.Unit)
	}
	return kg, nil
}

// closeSession fills truck tara and neto on an OUT record when every container tare is known.
func (s *Service) closeSession(ctx context.Context, rec *Record, inBruto int64) error {
	rec.TruckTara = nil
	rec.Neto = nil
	tare, ok, err := s.tares.TotalTare(ctx, rec.Containers)
	if err != nil {
		return fmt.Errorf("weighing: container tare: %w", err)
	}
	if !ok {
		return nil
	}
	truckTara := rec.Bruto - tare
	neto := inBruto - (truckTara + tare)
	rec.TruckTara = &truckTara
	rec.Neto = &neto
	return nil
}

// correct overwrites the truck's last record in place, keeping its id, timestamp,
// direction and session.
func (s *Service) correct(ctx context.Context, tx TxRepository, last, next Record) (Record, error) {
	updated := last
	updated.Bruto = next.Bruto
	updated.Containers = next.Containers
	updated.Truck = next.Truck
	updated.Produce = next.Produce
	updated.Neto = nil
	if updated.Direction == DirectionOut {
		updated.TruckTara = nil
		prev, err := tx.LastForTruck(ctx, last.Truck, 1)
		switch {
		case errors.Is(err, ErrRecordNotFound):
		case err != nil:
			return Record{}, fmt.Errorf("weighing: previous record: %w", err)
		case prev.Direction == DirectionIn:
			if err := s.closeSession(ctx, &updated, prev.Bruto); err != nil {
				return Record{}, err
			}
		}
	}
	if err := tx.Update(ctx, updated); err != nil {
		return Record{}, fmt.Errorf("weighing: update: %w", err)
	}
	return updated, nil
}

func (s *Service) afterWrite(ctx context.Context, rec Record, corrected bool) {
	if s.notifier != nil {
		if err := s.notifier.WeighingRecorded(ctx, rec); err != nil {
			s.logger.Warn("notify weighing", slog.Int64("id", rec.ID), slog.Any("error", err))
		}
	}
	if corrected && s.audit != nil {
		meta := map[string]any{
			"truck":      rec.Truck,
			"direction":  string(rec.Direction),
			"bruto":      rec.Bruto,
			"containers": JoinContainers(rec.Containers),
			"produce":    rec.Produce,
		}
		if rec.Neto != nil {
			meta["neto"] = *rec.Neto
		}
		if err := s.audit.Record(ctx, shared.AuditLog{
			Action:   "weighing:force",
			Entity:   "weighings",
			EntityID: strconv.FormatInt(rec.ID, 10),
			Meta:     meta,
		}); err != nil {
			s.logger.Warn("audit forced correction", slog.Int64("id", rec.ID), slog.Any("error", err))
		}
	}
}

func (s *Service) observe(direction Direction, outcome string) {
	if s.observer != nil {
		s.observer.ObserveWeighing(string(direction), outcome)
	}
}

// Query lists records matching filter in insertion order.
func (s *Service) Query(ctx context.Context, filter Filter) ([]Record, error) {
	if filter.Direction != DirectionIn && filter.Direction != DirectionOut {
		filter.Direction = ""
	}
	return s.repo.Query(ctx, filter)
}

// Item returns the history of a truck, or of a container when no truck matches.
func (s *Service) Item(ctx context.Context, id string, filter Filter) (ItemHistory, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return ItemHistory{}, ErrItemNotFound
	}
	filter.Truck = id
	records, err := s.Query(ctx, filter)
	if err != nil {
		return ItemHistory{}, err
	}
	if len(records) == 0 {
		filter.Truck = ""
		filter.Container = id
		records, err = s.Query(ctx, filter)
		if err != nil {
			return ItemHistory{}, err
		}
	}
	if len(records) == 0 {
		return ItemHistory{}, ErrItemNotFound
	}
	history := ItemHistory{ID: id, Tara: LatestTara(records)}
	seen := make(map[int64]struct{})
	for _, rec := range records {
		history.Entries = append(history.Entries, ItemEntry{ID: rec.ID, Tara: rec.TruckTara, SessionID: rec.SessionID})
		if rec.SessionID == 0 {
			continue
		}
		if _, ok := seen[rec.SessionID]; !ok {
			seen[rec.SessionID] = struct{}{}
			history.Sessions = append(history.Sessions, rec.SessionID)
		}
	}
	return history, nil
}

// LatestTara picks the truck tara of the highest-id OUT record that has one.
func LatestTara(records []Record) *int64 {
	var (
		best   *int64
		bestID int64
	)
	for _, rec := range records {
		if rec.Direction != DirectionOut || rec.TruckTara == nil {
			continue
		}
		if best == nil || rec.ID > bestID {
			v := *rec.TruckTara
			best = &v
			bestID = rec.ID
		}
	}
	return best
}

// Session returns the record describing a session: its OUT record when closed, otherwise
// the latest record carrying the id.
func (s *Service) Session(ctx context.Context, sessionID int64) (Record, error) {
	if sessionID <= 0 {
		return Record{}, ErrSessionNotFound
	}
	records, err := s.repo.Query(ctx, Filter{SessionID: sessionID})
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrSessionNotFound
	}
	chosen := records[len(records)-1]
	for _, rec := range records {
		if rec.Direction == DirectionOut {
			chosen = rec
		}
	}
	return chosen, nil
}
