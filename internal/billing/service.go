package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gan-shmuel/gan-shmuel/internal/shared"
)

// RepositoryPort abstracts billing persistence for the service.
type RepositoryPort interface {
	CreateProvider(ctx context.Context, name string) (Provider, error)
	UpdateProvider(ctx context.Context, p Provider) error
	GetProvider(ctx context.Context, id int64) (Provider, error)
	ListProviders(ctx context.Context) ([]Provider, error)
	CreateTruck(ctx context.Context, t Truck) error
	UpdateTruck(ctx context.Context, t Truck) error
	GetTruck(ctx context.Context, id string) (Truck, error)
	TrucksByProvider(ctx context.Context, providerID int64) ([]string, error)
	ReplaceRates(ctx context.Context, rates []Rate) error
	ListRates(ctx context.Context) ([]Rate, error)
}

// WeightSource supplies weighing data to billing.
type WeightSource interface {
	// ClosedSessions lists OUT weighings within r.
	ClosedSessions(ctx context.Context, r Range) ([]Session, error)
	TruckHistory(ctx context.Context, truck string, r Range) (TruckHistory, error)
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Cache  *Cache
	Logger *slog.Logger
	// Location anchors the default billing month. Defaults to time.Local.
	Location *time.Location
}

// Service implements the provider registry and bill aggregation.
type Service struct {
	repo    RepositoryPort
	weights WeightSource
	cache   *Cache
	logger  *slog.Logger
	loc     *time.Location
	now     func() time.Time
	bills   singleflight.Group
}

// NewService builds Service.
func NewService(repo RepositoryPort, weights WeightSource, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Service{repo: repo, weights: weights, cache: cfg.Cache, logger: logger, loc: loc, now: time.Now}
}

// DefaultRange runs from the first of the current month to now, in the service location.
func (s *Service) DefaultRange() Range {
	now := s.now().In(s.loc)
	return Range{From: shared.StartOfMonth(now), To: now}
}

// CalculateBill aggregates a provider's closed sessions over r into a bill.
//
// Identical concurrent requests share one computation and results are cached until the
// next weighing or registry write.
func (s *Service) CalculateBill(ctx context.Context, providerID int64, r Range) (Bill, error) {
	if r.From.After(r.To) {
		return Bill{}, ErrInvalidRange
	}
	flightKey := shared.BillLockKey(providerID, shared.FormatTimestamp(r.From), shared.FormatTimestamp(r.To))
	resultChan := s.bills.DoChan(flightKey, func() (any, error) {
		key, err := s.cache.BuildKey(ctx, billKey(providerID, r)...)
		if err != nil {
			s.logger.Warn("bill cache key", slog.Any("error", err))
			return s.computeBill(ctx, providerID, r)
		}
		var (
			bill    Bill
			loadErr error
		)
		err = s.cache.FetchJSON(ctx, key, &bill, func(ctx context.Context) (any, error) {
			computed, err := s.computeBill(ctx, providerID, r)
			loadErr = err
			return computed, err
		})
		if loadErr != nil {
			return Bill{}, loadErr
		}
		if err != nil {
			s.logger.Warn("bill cache unavailable", slog.Int64("provider", providerID), slog.Any("error", err))
			return s.computeBill(ctx, providerID, r)
		}
		return bill, nil
	})
	select {
	case <-ctx.Done():
		return Bill{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Bill{}, res.Err
		}
		return res.Val.(Bill), nil
	}
}

func (s *Service) computeBill(ctx context.Context, providerID int64, r Range) (Bill, error) {
	var (
		provider Provider
		trucks   []string
		sessions []Session
		rates    []Rate
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.repo.GetProvider(ctx, providerID)
		if err != nil {
			return err
		}
		provider = p
		return nil
	})
	g.Go(func() error {
		ids, err := s.repo.TrucksByProvider(ctx, providerID)
		if err != nil {
			return fmt.Errorf("billing: provider trucks: %w", err)
		}
		trucks = ids
		return nil
	})
	g.Go(func() error {
		list, err := s.weights.ClosedSessions(ctx, r)
		if err != nil {
			return fmt.Errorf("billing: weighings: %w", err)
		}
		sessions = list
		return nil
	})
	g.Go(func() error {
		list, err := s.repo.ListRates(ctx)
		if err != nil {
			return fmt.Errorf("billing: rates: %w", err)
		}
		rates = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return Bill{}, err
	}

	bill := Aggregate(provider, trucks, sessions, rates)
	bill.From = shared.FormatTimestamp(r.From)
	bill.To = shared.FormatTimestamp(r.To)
	return bill, nil
}

// Aggregate buckets the provider's sessions by produce. Sessions without neto count toward
// the session total but not toward any product.
func Aggregate(provider Provider, trucks []string, sessions []Session, rates []Rate) Bill {
	owned := make(map[string]struct{}, len(trucks))
	for _, t := range trucks {
		owned[t] = struct{}{}
	}
	bill := Bill{ID: provider.ID, Name: provider.Name, TruckCount: len(trucks), Products: []ProductLine{}}
	lines := make(map[string]*ProductLine)
	for _, sess := range sessions {
		if _, ok := owned[sess.Truck]; !ok {
			continue
		}
		bill.SessionCount++
		if sess.Neto == nil {
			continue
		}
		line, ok := lines[sess.Produce]
		if !ok {
			line = &ProductLine{Product: sess.Produce, Rate: ResolveRate(rates, sess.Produce, provider.ID)}
			lines[sess.Produce] = line
		}
		line.Count++
		line.Amount += *sess.Neto
	}
	for _, line := range lines {
		line.Pay = line.Amount * line.Rate
		bill.Total += line.Pay
		bill.Products = append(bill.Products, *line)
	}
	slices.SortFunc(bill.Products, func(a, b ProductLine) int { return strings.Compare(a.Product, b.Product) })
	return bill
}

// CreateProvider registers a provider under a unique trimmed name.
func (s *Service) CreateProvider(ctx context.Context, name string) (Provider, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Provider{}, ErrInvalidName
	}
	p, err := s.repo.CreateProvider(ctx, name)
	if err != nil {
		return Provider{}, err
	}
	s.logger.Info("provider created", slog.Int64("provider", p.ID), slog.String("name", p.Name))
	return p, nil
}

// UpdateProvider renames a provider.
func (s *Service) UpdateProvider(ctx context.Context, id int64, name string) (Provider, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Provider{}, ErrInvalidName
	}
	if _, err := s.repo.GetProvider(ctx, id); err != nil {
		return Provider{}, err
	}
	p := Provider{ID: id, Name: name}
	if err := s.repo.UpdateProvider(ctx, p); err != nil {
		return Provider{}, err
	}
	s.invalidate(ctx)
	return p, nil
}

// GetProvider returns a provider by id.
func (s *Service) GetProvider(ctx context.Context, id int64) (Provider, error) {
	return s.repo.GetProvider(ctx, id)
}

// ListProviders returns every provider ordered by id.
func (s *Service) ListProviders(ctx context.Context) ([]Provider, error) {
	return s.repo.ListProviders(ctx)
}

// RegisterTruck assigns a new truck to an existing provider.
func (s *Service) RegisterTruck(ctx context.Context, t Truck) (Truck, error) {
	t.ID = strings.TrimSpace(t.ID)
	if err := validateTruckID(t.ID); err != nil {
		return Truck{}, err
	}
	if _, err := s.repo.GetProvider(ctx, t.ProviderID); err != nil {
		return Truck{}, err
	}
	if err := s.repo.CreateTruck(ctx, t); err != nil {
		return Truck{}, err
	}
	s.invalidate(ctx)
	return t, nil
}

// UpdateTruck moves a registered truck to another provider.
func (s *Service) UpdateTruck(ctx context.Context, t Truck) (Truck, error) {
	t.ID = strings.TrimSpace(t.ID)
	if err := validateTruckID(t.ID); err != nil {
		return Truck{}, err
	}
	if _, err := s.repo.GetTruck(ctx, t.ID); err != nil {
		return Truck{}, err
	}
	if _, err := s.repo.GetProvider(ctx, t.ProviderID); err != nil {
		return Truck{}, err
	}
	if err := s.repo.UpdateTruck(ctx, t); err != nil {
		return Truck{}, err
	}
	s.invalidate(ctx)
	return t, nil
}

func validateTruckID(id string) error {
	if id == "" || utf8.RuneCountInString(id) > MaxTruckIDLength {
		return ErrInvalidTruckID
	}
	return nil
}

// TruckInfo returns a registered truck's tara and sessions over r.
func (s *Service) TruckInfo(ctx context.Context, truckID string, r Range) (TruckHistory, error) {
	truckID = strings.TrimSpace(truckID)
	if r.From.After(r.To) {
		return TruckHistory{}, ErrInvalidRange
	}
	if _, err := s.repo.GetTruck(ctx, truckID); err != nil {
		return TruckHistory{}, err
	}
	history, err := s.weights.TruckHistory(ctx, truckID, r)
	if err != nil {
		return TruckHistory{}, fmt.Errorf("billing: truck history: %w", err)
	}
	if history.Sessions == nil {
		history.Sessions = []int64{}
	}
	return history, nil
}

// ReplaceRates swaps the whole rate table.
func (s *Service) ReplaceRates(ctx context.Context, rates []Rate) error {
	if len(rates) == 0 {
		return ErrNoRates
	}
	if err := s.repo.ReplaceRates(ctx, rates); err != nil {
		return fmt.Errorf("billing: replace rates: %w", err)
	}
	s.invalidate(ctx)
	s.logger.Info("rates replaced", slog.Int("count", len(rates)))
	return nil
}

// ImportRateSheet parses an .xlsx rate sheet and replaces the rate table with it.
func (s *Service) ImportRateSheet(ctx context.Context, r io.Reader) (int, error) {
	rates, err := ParseRateSheet(r)
	if err != nil {
		return 0, err
	}
	if err := s.ReplaceRates(ctx, rates); err != nil {
		return 0, err
	}
	return len(rates), nil
}

// Rates lists the rate table.
func (s *Service) Rates(ctx context.Context) ([]Rate, error) {
	return s.repo.ListRates(ctx)
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("bump bill cache", slog.Any("error", err))
	}
}
