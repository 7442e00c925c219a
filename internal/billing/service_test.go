package billing

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gan-shmuel/gan-shmuel/internal/weighing"
)

type memoryRepo struct {
	mu        sync.Mutex
	providers map[int64]Provider
	trucks    map[string]Truck
	rates     []Rate
	nextID    int64
	ratesErr  error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{providers: make(map[int64]Provider), trucks: make(map[string]Truck), nextID: 10000}
}

func (r *memoryRepo) CreateProvider(ctx context.Context, name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.providers {
		if p.Name == name {
			return Provider{}, ErrDuplicateProvider
		}
	}
	r.nextID++
	p := Provider{ID: r.nextID, Name: name}
	r.providers[p.ID] = p
	return p, nil
}

func (r *memoryRepo) UpdateProvider(ctx context.Context, p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.providers {
		if other.Name == p.Name && other.ID != p.ID {
			return ErrDuplicateProvider
		}
	}
	if _, ok := r.providers[p.ID]; !ok {
		return ErrProviderNotFound
	}
	r.providers[p.ID] = p
	return nil
}

func (r *memoryRepo) GetProvider(ctx context.Context, id int64) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return Provider{}, ErrProviderNotFound
	}
	return p, nil
}

func (r *memoryRepo) ListProviders(ctx context.Context) ([]Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Provider
	for _, p := range r.providers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Provider) int { return int(a.ID - b.ID) })
	return out, nil
}

func (r *memoryRepo) CreateTruck(ctx context.Context, t Truck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trucks[t.ID]; ok {
		return ErrDuplicateTruck
	}
	r.trucks[t.ID] = t
	return nil
}

func (r *memoryRepo) UpdateTruck(ctx context.Context, t Truck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trucks[t.ID]; !ok {
		return ErrTruckNotFound
	}
	r.trucks[t.ID] = t
	return nil
}

func (r *memoryRepo) GetTruck(ctx context.Context, id string) (Truck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trucks[id]
	if !ok {
		return Truck{}, ErrTruckNotFound
	}
	return t, nil
}

func (r *memoryRepo) TrucksByProvider(ctx context.Context, providerID int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.trucks {
		if t.ProviderID == providerID {
			out = append(out, t.ID)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (r *memoryRepo) ReplaceRates(ctx context.Context, rates []Rate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates = slices.Clone(rates)
	return nil
}

func (r *memoryRepo) ListRates(ctx context.Context) ([]Rate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ratesErr != nil {
		return nil, r.ratesErr
	}
	return slices.Clone(r.rates), nil
}

type stubWeights struct {
	sessions []Session
	history  TruckHistory
	calls    atomic.Int32
	gate     chan struct{}
}

func (s *stubWeights) ClosedSessions(ctx context.Context, r Range) ([]Session, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return s.sessions, nil
}

func (s *stubWeights) TruckHistory(ctx context.Context, truck string, r Range) (TruckHistory, error) {
	h := s.history
	h.ID = truck
	return h, nil
}

func neto(v int64) *int64 { return &v }

var march = Range{
	From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC),
}

func seedProvider(t *testing.T, svc *Service, name string, trucks ...string) Provider {
	t.Helper()
	p, err := svc.CreateProvider(context.Background(), name)
	require.NoError(t, err)
	for _, id := range trucks {
		_, err := svc.RegisterTruck(context.Background(), Truck{ID: id, ProviderID: p.ID})
		require.NoError(t, err)
	}
	return p
}

func TestCalculateBillAggregatesByProduce(t *testing.T) {
	repo := newMemoryRepo()
	weights := &stubWeights{}
	svc := NewService(repo, weights, ServiceConfig{})
	ctx := context.Background()

	p := seedProvider(t, svc, "Fresh Farms", "T-1", "T-2")
	other := seedProvider(t, svc, "Other", "T-9")
	require.NoError(t, svc.ReplaceRates(ctx, []Rate{
		{Product: "Navel", Rate: 93, Scope: ScopeAll},
		{Product: "Blood", Rate: 112, Scope: ScopeAll},
		{Product: "Blood", Rate: 120, Scope: formatID(p.ID)},
		{Product: "Navel", Rate: 50, Scope: formatID(other.ID)},
	}))
	weights.sessions = []Session{
		{Truck: "T-1", Produce: "Navel", Neto: neto(8500)},
		{Truck: "T-2", Produce: "Navel", Neto: neto(9200)},
		{Truck: "T-1", Produce: "Blood", Neto: neto(1000)},
		{Truck: "T-2", Produce: "Mandarin", Neto: neto(300)},
		{Truck: "T-1", Produce: "Navel", Neto: nil},
		{Truck: "T-9", Produce: "Navel", Neto: neto(4000)},
	}

	bill, err := svc.CalculateBill(ctx, p.ID, march)
	require.NoError(t, err)
	require.Equal(t, p.ID, bill.ID)
	require.Equal(t, "Fresh Farms", bill.Name)
	require.Equal(t, "20240301000000", bill.From)
	require.Equal(t, "20240331235959", bill.To)
	require.Equal(t, 2, bill.TruckCount)
	require.Equal(t, 5, bill.SessionCount)
	require.Equal(t, []ProductLine{
		{Product: "Blood", Count: 1, Amount: 1000, Rate: 120, Pay: 120000},
		{Product: "Mandarin", Count: 1, Amount: 300, Rate: 0, Pay: 0},
		{Product: "Navel", Count: 2, Amount: 17700, Rate: 93, Pay: 1646100},
	}, bill.Products)
	require.EqualValues(t, 1766100, bill.Total)
}

func TestCalculateBillUnknownProvider(t *testing.T) {
	svc := NewService(newMemoryRepo(), &stubWeights{}, ServiceConfig{})
	_, err := svc.CalculateBill(context.Background(), 42, march)
	require.ErrorIs(t, err, ErrProviderNotFound)
}

func TestCalculateBillRejectsInvertedRange(t *testing.T) {
	svc := NewService(newMemoryRepo(), &stubWeights{}, ServiceConfig{})
	_, err := svc.CalculateBill(context.Background(), 1, Range{From: march.To, To: march.From})
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestCalculateBillPropagatesStorageErrors(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, &stubWeights{}, ServiceConfig{})
	p := seedProvider(t, svc, "Fresh Farms")
	repo.ratesErr = errors.New("connection reset")

	_, err := svc.CalculateBill(context.Background(), p.ID, march)
	require.Error(t, err)
	require.ErrorIs(t, err, repo.ratesErr)
}

func TestEmptyBillHasNoProducts(t *testing.T) {
	svc := NewService(newMemoryRepo(), &stubWeights{}, ServiceConfig{})
	p := seedProvider(t, svc, "Fresh Farms")

	bill, err := svc.CalculateBill(context.Background(), p.ID, march)
	require.NoError(t, err)
	require.NotNil(t, bill.Products)
	require.Empty(t, bill.Products)
	require.Zero(t, bill.Total)
}

func TestCalculateBillCollapsesConcurrentRequests(t *testing.T) {
	weights := &stubWeights{gate: make(chan struct{})}
	svc := NewService(newMemoryRepo(), weights, ServiceConfig{})
	p := seedProvider(t, svc, "Fresh Farms", "T-1")
	weights.sessions = []Session{{Truck: "T-1", Produce: "Navel", Neto: neto(100)}}

	const callers = 8
	var wg sync.WaitGroup
	bills := make([]Bill, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bills[i], errs[i] = svc.CalculateBill(context.Background(), p.ID, march)
		}(i)
	}
	require.Eventually(t, func() bool { return weights.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(weights.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.EqualValues(t, 100, bills[i].Total)
	}
	require.Less(t, weights.calls.Load(), int32(callers))
}

func TestCalculateBillUsesCacheUntilBumped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)

	weights := &stubWeights{}
	svc := NewService(newMemoryRepo(), weights, ServiceConfig{Cache: cache})
	p := seedProvider(t, svc, "Fresh Farms", "T-1")
	weights.sessions = []Session{{Truck: "T-1", Produce: "Navel", Neto: neto(100)}}
	ctx := context.Background()

	first, err := svc.CalculateBill(ctx, p.ID, march)
	require.NoError(t, err)
	weights.sessions = append(weights.sessions, Session{Truck: "T-1", Produce: "Navel", Neto: neto(50)})

	cached, err := svc.CalculateBill(ctx, p.ID, march)
	require.NoError(t, err)
	require.Equal(t, first, cached)
	require.EqualValues(t, 1, weights.calls.Load())

	require.NoError(t, cache.WeighingRecorded(ctx, weighing.Record{ID: 7}))
	fresh, err := svc.CalculateBill(ctx, p.ID, march)
	require.NoError(t, err)
	require.EqualValues(t, 150, fresh.Total)
	require.EqualValues(t, 2, weights.calls.Load())
}

func TestCalculateBillFallsBackWhenCacheDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	weights := &stubWeights{}
	svc := NewService(newMemoryRepo(), weights, ServiceConfig{Cache: NewCache(client, time.Minute)})
	p := seedProvider(t, svc, "Fresh Farms", "T-1")
	weights.sessions = []Session{{Truck: "T-1", Produce: "Navel", Neto: neto(100)}}
	mr.Close()

	bill, err := svc.CalculateBill(context.Background(), p.ID, march)
	require.NoError(t, err)
	require.Len(t, bill.Products, 1)
}

func TestProviderRegistry(t *testing.T) {
	svc := NewService(newMemoryRepo(), &stubWeights{}, ServiceConfig{})
	ctx := context.Background()

	p, err := svc.CreateProvider(ctx, "  Fresh Farms ")
	require.NoError(t, err)
	require.Equal(t, "Fresh Farms", p.Name)
	require.EqualValues(t, 10001, p.ID)

	_, err = svc.CreateProvider(ctx, "Fresh Farms")
	require.ErrorIs(t, err, ErrDuplicateProvider)
	_, err = svc.CreateProvider(ctx, "   ")
	require.ErrorIs(t, err, ErrInvalidName)

	other, err := svc.CreateProvider(ctx, "Green Valley")
	require.NoError(t, err)
	_, err = svc.UpdateProvider(ctx, other.ID, "Fresh Farms")
	require.ErrorIs(t, err, ErrDuplicateProvider)
	renamed, err := svc.UpdateProvider(ctx, other.ID, "Green Hills")
	require.NoError(t, err)
	require.Equal(t, "Green Hills", renamed.Name)
	_, err = svc.UpdateProvider(ctx, 999, "Nobody")
	require.ErrorIs(t, err, ErrProviderNotFound)

	list, err := svc.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestTruckRegistry(t *testing.T) {
	svc := NewService(newMemoryRepo(), &stubWeights{}, ServiceConfig{})
	ctx := context.Background()
	p := seedProvider(t, svc, "Fresh Farms")
	other := seedProvider(t, svc, "Green Valley")

	_, err := svc.RegisterTruck(ctx, Truck{ID: "12-345-67", ProviderID: p.ID})
	require.NoError(t, err)
	_, err = svc.RegisterTruck(ctx, Truck{ID: "12-345-67", ProviderID: p.ID})
	require.ErrorIs(t, err, ErrDuplicateTruck)
	_, err = svc.RegisterTruck(ctx, Truck{ID: "12345678901", ProviderID: p.ID})
	require.ErrorIs(t, err, ErrInvalidTruckID)
	_, err = svc.RegisterTruck(ctx, Truck{ID: "T-2", ProviderID: 4242})
	require.ErrorIs(t, err, ErrProviderNotFound)

	moved, err := svc.UpdateTruck(ctx, Truck{ID: "12-345-67", ProviderID: other.ID})
	require.NoError(t, err)
	require.Equal(t, other.ID, moved.ProviderID)
	_, err = svc.UpdateTruck(ctx, Truck{ID: "ghost", ProviderID: other.ID})
	require.ErrorIs(t, err, ErrTruckNotFound)
}

func TestTruckInfo(t *testing.T) {
	weights := &stubWeights{history: TruckHistory{Tara: weighing.OptionalKg(neto(900)), Sessions: []int64{11, 12}}}
	svc := NewService(newMemoryRepo(), weights, ServiceConfig{})
	seedProvider(t, svc, "Fresh Farms", "T-1")

	info, err := svc.TruckInfo(context.Background(), "T-1", march)
	require.NoError(t, err)
	require.Equal(t, "T-1", info.ID)
	require.EqualValues(t, 900, *info.Tara.Value())
	require.Equal(t, []int64{11, 12}, info.Sessions)

	_, err = svc.TruckInfo(context.Background(), "T-404", march)
	require.ErrorIs(t, err, ErrTruckNotFound)
}

func TestResolveRate(t *testing.T) {
	rates := []Rate{
		{Product: "Navel", Rate: 93, Scope: ScopeAll},
		{Product: "Navel", Rate: 80, Scope: "10001"},
	}
	require.EqualValues(t, 80, ResolveRate(rates, "Navel", 10001))
	require.EqualValues(t, 93, ResolveRate(rates, "Navel", 10002))
	require.Zero(t, ResolveRate(rates, "Blood", 10001))
}

func TestReplaceRatesRejectsEmpty(t *testing.T) {
	svc := NewService(newMemoryRepo(), &stubWeights{}, ServiceConfig{})
	require.ErrorIs(t, svc.ReplaceRates(context.Background(), nil), ErrNoRates)
}
