package containers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gan-shmuel/gan-shmuel/internal/units"
)

// RepositoryPort abstracts container persistence for the service.
type RepositoryPort interface {
	FindByIDs(ctx context.Context, ids []string) ([]Container, error)
	InsertMissing(ctx context.Context, entries []Container) (int, []string, error)
	UnknownIDs(ctx context.Context) ([]string, error)
}

// Service resolves container tares.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// TotalTare sums the tare of every listed container in kilograms.
//
// An empty list resolves to zero. The total is unresolved (false) when any id is not
// registered or any registered weight cannot be converted; partial sums are never returned.
func (s *Service) TotalTare(ctx context.Context, ids []string) (int64, bool, error) {
	if len(ids) == 0 {
		return 0, true, nil
	}
	distinct := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		distinct = append(distinct, id)
	}
	found, err := s.repo.FindByIDs(ctx, distinct)
	if err != nil {
		return 0, false, fmt.Errorf("containers: lookup tare: %w", err)
	}
	byID := make(map[string]int64, len(found))
	for _, c := range found {
		kg, ok := units.ToKilograms(c.Weight, c.Unit)
		if !ok {
			s.logger.Warn("container tare not convertible", slog.String("container", c.ID), slog.String("unit", c.Unit))
			return 0, false, nil
		}
		byID[c.ID] = kg
	}
	var total int64
	for _, id := range ids {
		kg, ok := byID[id]
		if !ok {
			return 0, false, nil
		}
		total += kg
	}
	return total, true, nil
}

// Unknown lists container ids referenced by weighings without a registered tare.
func (s *Service) Unknown(ctx context.Context) ([]string, error) {
	return s.repo.UnknownIDs(ctx)
}

// Import bulk-loads tare entries; ids that are already registered are left untouched.
func (s *Service) Import(ctx context.Context, r io.Reader, format Format) (ImportReport, error) {
	var (
		entries []Container
		err     error
	)
	switch format {
	case FormatCSV:
		entries, err = parseCSV(r)
	case FormatJSON:
		entries, err = parseJSON(r)
	default:
		return ImportReport{}, ErrUnsupportedFormat
	}
	if err != nil {
		return ImportReport{}, err
	}
	inserted, skipped, err := s.repo.InsertMissing(ctx, entries)
	if err != nil {
		return ImportReport{}, fmt.Errorf("containers: import: %w", err)
	}
	s.logger.Info("containers imported", slog.Int("inserted", inserted), slog.Int("skipped", len(skipped)))
	return ImportReport{Inserted: inserted, Skipped: skipped}, nil
}

func parseCSV(r io.Reader) ([]Container, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedFile, err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("%w: header needs id and unit columns", ErrMalformedFile)
	}
	unit := strings.TrimSpace(header[1])
	if !units.Known(unit) {
		return nil, fmt.Errorf("%w: unknown unit %q", ErrMalformedFile, unit)
	}
	var out []Container
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedFile, line, err)
		}
		if len(record) < 2 || strings.TrimSpace(record[0]) == "" {
			return nil, fmt.Errorf("%w: line %d: id and weight required", ErrMalformedFile, line)
		}
		weight, err := units.ParseWeight(record[1])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedFile, line, err)
		}
		out = append(out, Container{ID: strings.TrimSpace(record[0]), Weight: weight, Unit: unit})
	}
	return out, nil
}

type jsonEntry struct {
	ID     string           `json:"id"`
	Weight *decimal.Decimal `json:"weight"`
	Unit   string           `json:"unit"`
}

func parseJSON(r io.Reader) ([]Container, error) {
	var raw []jsonEntry
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	out := make([]Container, 0, len(raw))
	for i, e := range raw {
		if strings.TrimSpace(e.ID) == "" || e.Weight == nil {
			return nil, fmt.Errorf("%w: entry %d: id and weight required", ErrMalformedFile, i)
		}
		out = append(out, Container{ID: strings.TrimSpace(e.ID), Weight: *e.Weight, Unit: strings.TrimSpace(e.Unit)})
	}
	return out, nil
}
