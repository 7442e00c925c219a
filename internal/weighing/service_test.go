package weighing

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gan-shmuel/gan-shmuel/internal/shared"
)

type memoryRepo struct {
	mu      sync.Mutex
	records []Record
	nextID  int64
	clock   time.Time
}

type memoryTx struct {
	repo    *memoryRepo
	records []Record
	nextID  int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{clock: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

// WithTruckLock serialises every write; staged changes are discarded when fn fails.
func (r *memoryRepo) WithTruckLock(ctx context.Context, truck string, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, records: slices.Clone(r.records), nextID: r.nextID}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.records = tx.records
	r.nextID = tx.nextID
	return nil
}

func (r *memoryRepo) Query(ctx context.Context, filter Filter) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if !filter.From.IsZero() && rec.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.CreatedAt.After(filter.To) {
			continue
		}
		if (filter.Direction == DirectionIn || filter.Direction == DirectionOut) && rec.Direction != filter.Direction {
			continue
		}
		if filter.Truck != "" && rec.Truck != filter.Truck {
			continue
		}
		if filter.Container != "" && !slices.Contains(rec.Containers, filter.Container) {
			continue
		}
		if filter.Produce != "" && rec.Produce != filter.Produce {
			continue
		}
		if filter.SessionID != 0 && rec.SessionID != filter.SessionID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (tx *memoryTx) LastForTruck(ctx context.Context, truck string, offset int) (Record, error) {
	for i := len(tx.records) - 1; i >= 0; i-- {
		if tx.records[i].Truck != truck {
			continue
		}
		if offset == 0 {
			return tx.records[i], nil
		}
		offset--
	}
	return Record{}, ErrRecordNotFound
}

func (tx *memoryTx) Insert(ctx context.Context, rec Record) (Record, error) {
	tx.nextID++
	rec.ID = tx.nextID
	rec.CreatedAt = tx.repo.clock.Add(time.Duration(rec.ID) * time.Minute)
	tx.records = append(tx.records, rec)
	return rec, nil
}

func (tx *memoryTx) Update(ctx context.Context, rec Record) error {
	for i := range tx.records {
		if tx.records[i].ID == rec.ID {
			tx.records[i] = rec
			return nil
		}
	}
	return ErrRecordNotFound
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type stubTares map[string]int64

func (s stubTares) TotalTare(ctx context.Context, ids []string) (int64, bool, error) {
	var total int64
	for _, id := range ids {
		kg, ok := s[id]
		if !ok {
			return 0, false, nil
		}
		total += kg
	}
	return total, true, nil
}

type recordingNotifier struct {
	calls []Record
	err   error
}

func (n *recordingNotifier) WeighingRecorded(ctx context.Context, rec Record) error {
	n.calls = append(n.calls, rec)
	return n.err
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *recordingObserver) ObserveWeighing(direction, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[direction+":"+outcome]++
}

func newTestService(repo *memoryRepo, tares stubTares, cfg ServiceConfig) *Service {
	svc := NewService(repo, tares, cfg)
	var seq atomic.Int64
	svc.sessionIDs = func() (int64, error) {
		return 1000 + seq.Add(1), nil
	}
	return svc
}

func kgEvent(direction Direction, truck string, weight int64, containers ...string) Event {
	return Event{Direction: direction, Truck: truck, Containers: containers, Weight: decimal.NewFromInt(weight), Unit: "kg", Produce: "orange"}
}

func mustRecord(t *testing.T, svc *Service, evt Event) Record {
	t.Helper()
	res, err := svc.RecordEvent(context.Background(), evt)
	require.NoError(t, err)
	require.Nil(t, res.Conflict)
	require.NotNil(t, res.Record)
	return *res.Record
}

func mustConflict(t *testing.T, svc *Service, evt Event) Conflict {
	t.Helper()
	res, err := svc.RecordEvent(context.Background(), evt)
	require.NoError(t, err)
	require.Nil(t, res.Record)
	require.NotNil(t, res.Conflict)
	return *res.Conflict
}

func TestRoundTripClosesSession(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, stubTares{"C1": 100, "C2": 200}, ServiceConfig{})

	in := mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2000, "C1", "C2"))
	require.Nil(t, in.Neto)
	require.NotZero(t, in.SessionID)

	out := mustRecord(t, svc, kgEvent(DirectionOut, "T-1", 1200, "C1", "C2"))
	require.NotNil(t, out.TruckTara)
	require.NotNil(t, out.Neto)
	require.EqualValues(t, 900, *out.TruckTara)
	require.EqualValues(t, 800, *out.Neto)
	require.Equal(t, in.SessionID, out.SessionID)
	require.Greater(t, out.ID, in.ID)
}

func TestCloseWithoutContainers(t *testing.T) {
	svc := newTestService(newMemoryRepo(), stubTares{}, ServiceConfig{})

	mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 5000))
	out := mustRecord(t, svc, kgEvent(DirectionOut, "T-1", 3000))
	require.EqualValues(t, 3000, *out.TruckTara)
	require.EqualValues(t, 2000, *out.Neto)
}

func TestUnresolvedContainerRecordsWithoutNeto(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, stubTares{"C1": 100}, ServiceConfig{})

	mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2000, "C1", "C9"))
	out := mustRecord(t, svc, kgEvent(DirectionOut, "T-1", 1200, "C1", "C9"))
	require.Nil(t, out.TruckTara)
	require.Nil(t, out.Neto)
	require.Equal(t, 2, repo.count())

	view := Verbose(out)
	require.NotNil(t, view.Neto)
	require.Nil(t, view.Neto.Value())
}

func TestConsecutiveInConflictsAndForceOverwrites(t *testing.T) {
	repo := newMemoryRepo()
	audit := &recordingAudit{}
	svc := newTestService(repo, stubTares{}, ServiceConfig{Audit: audit})

	first := mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2000, "C1"))

	conflict := mustConflict(t, svc, kgEvent(DirectionIn, "T-1", 2100, "C2"))
	require.Equal(t, "truck already in", conflict.Reason)
	stored, err := svc.Query(context.Background(), Filter{Truck: "T-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, first, stored[0])

	forced := kgEvent(DirectionIn, "T-1", 2100, "C2")
	forced.Produce = "mandarin"
	forced.Force = true
	res, err := svc.RecordEvent(context.Background(), forced)
	require.NoError(t, err)
	require.True(t, res.Corrected)
	require.Equal(t, first.ID, res.Record.ID)
	require.Equal(t, first.CreatedAt, res.Record.CreatedAt)
	require.Equal(t, first.SessionID, res.Record.SessionID)
	require.EqualValues(t, 2100, res.Record.Bruto)
	require.Equal(t, []string{"C2"}, res.Record.Containers)
	require.Equal(t, "mandarin", res.Record.Produce)
	require.Equal(t, 1, repo.count())

	require.Len(t, audit.logs, 1)
	require.Equal(t, "weighing:force", audit.logs[0].Action)
}

func TestForcedOutCorrectionIsIdempotent(t *testing.T) {
	svc := newTestService(newMemoryRepo(), stubTares{"C1": 100, "C2": 200}, ServiceConfig{})

	mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2000, "C1", "C2"))
	out := mustRecord(t, svc, kgEvent(DirectionOut, "T-1", 1200, "C1", "C2"))

	correction := kgEvent(DirectionOut, "T-1", 1100, "C1", "C2")
	correction.Force = true
	first := mustRecord(t, svc, correction)
	second := mustRecord(t, svc, correction)

	require.Equal(t, first, second)
	require.Equal(t, out.ID, first.ID)
	require.Equal(t, out.SessionID, first.SessionID)
	require.EqualValues(t, 800, *first.TruckTara)
	require.EqualValues(t, 900, *first.Neto)
}

func TestRepeatedOutWithoutForceConflicts(t *testing.T) {
	svc := newTestService(newMemoryRepo(), stubTares{}, ServiceConfig{})

	mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2000))
	mustRecord(t, svc, kgEvent(DirectionOut, "T-1", 1200))
	conflict := mustConflict(t, svc, kgEvent(DirectionOut, "T-1", 1100))
	require.Equal(t, "truck already out", conflict.Reason)
}

func TestOutBeforeInRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, stubTares{}, ServiceConfig{})

	evt := kgEvent(DirectionOut, "T-1", 1200)
	evt.Force = true
	conflict := mustConflict(t, svc, evt)
	require.Equal(t, "truck isn't in", conflict.Reason)
	require.Zero(t, repo.count())

	in := mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2000))
	require.EqualValues(t, 1, in.ID)
}

func TestDirectionPairs(t *testing.T) {
	cases := []struct {
		name     string
		first    Direction
		second   Direction
		conflict string
	}{
		{"none then in", DirectionNone, DirectionIn, "truck already none"},
		{"in then none", DirectionIn, DirectionNone, "truck already in"},
		{"none then none", DirectionNone, DirectionNone, "truck already none"},
		{"none then out", DirectionNone, DirectionOut, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemoryRepo()
			svc := newTestService(repo, stubTares{}, ServiceConfig{})
			mustRecord(t, svc, kgEvent(tc.first, "T-1", 900))
			if tc.conflict == "" {
				rec := mustRecord(t, svc, kgEvent(tc.second, "T-1", 800))
				require.Nil(t, rec.Neto)
				require.Equal(t, 2, repo.count())
				return
			}
			require.Equal(t, tc.conflict, mustConflict(t, svc, kgEvent(tc.second, "T-1", 800)).Reason)
			require.Equal(t, 1, repo.count())
		})
	}
}

func TestOutThenInOpensNewSession(t *testing.T) {
	svc := newTestService(newMemoryRepo(), stubTares{}, ServiceConfig{})

	in := mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2000))
	mustRecord(t, svc, kgEvent(DirectionOut, "T-1", 1200))
	next := mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2500))
	require.NotEqual(t, in.SessionID, next.SessionID)
}

func TestInvalidWeightWritesNothing(t *testing.T) {
	repo := newMemoryRepo()
	observer := &recordingObserver{}
	svc := newTestService(repo, stubTares{}, ServiceConfig{Observer: observer})

	_, err := svc.RecordEvent(context.Background(), Event{Direction: DirectionIn, Truck: "T-1", Weight: decimal.NewFromInt(10), Unit: "stone"})
	require.ErrorIs(t, err, ErrInvalidWeight)
	_, err = svc.RecordEvent(context.Background(), Event{Direction: DirectionIn, Truck: "T-1", Weight: decimal.Zero, Unit: "lbs"})
	require.ErrorIs(t, err, ErrInvalidWeight)
	_, err = svc.RecordEvent(context.Background(), Event{Direction: DirectionIn, Truck: " ", Weight: decimal.NewFromInt(10), Unit: "kg"})
	require.ErrorIs(t, err, ErrTruckRequired)

	require.Zero(t, repo.count())
	require.Equal(t, 3, observer.outcomes["in:invalid"])
}

func TestUnitConversionAndKilogramFastPath(t *testing.T) {
	svc := newTestService(newMemoryRepo(), stubTares{}, ServiceConfig{})

	rec := mustRecord(t, svc, Event{Direction: DirectionIn, Truck: "T-1", Weight: decimal.RequireFromString("1000.9"), Unit: "kg"})
	require.EqualValues(t, 1000, rec.Bruto)

	rec = mustRecord(t, svc, Event{Direction: DirectionIn, Truck: "T-2", Weight: decimal.RequireFromString("2.5"), Unit: "Metric Ton"})
	require.EqualValues(t, 2500, rec.Bruto)

	rec = mustRecord(t, svc, Event{Direction: DirectionIn, Truck: "T-3", Weight: decimal.RequireFromString("2200"), Unit: "lbs"})
	require.EqualValues(t, 1000, rec.Bruto)
}

func TestMissingDirectionStoredAsNone(t *testing.T) {
	svc := newTestService(newMemoryRepo(), stubTares{}, ServiceConfig{})
	rec := mustRecord(t, svc, Event{Truck: "T-1", Weight: decimal.NewFromInt(500), Unit: "kg"})
	require.Equal(t, DirectionNone, rec.Direction)
	require.NotZero(t, rec.SessionID)
}

func TestAtMostOneOpenSessionPerTruck(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, stubTares{"C1": 50}, ServiceConfig{})
	rng := rand.New(rand.NewSource(42))
	trucks := []string{"T-1", "T-2", "T-3"}
	directions := []Direction{DirectionIn, DirectionOut, DirectionNone}

	for i := 0; i < 300; i++ {
		evt := kgEvent(directions[rng.Intn(len(directions))], trucks[rng.Intn(len(trucks))], int64(500+rng.Intn(3000)), "C1")
		_, err := svc.RecordEvent(context.Background(), evt)
		require.NoError(t, err)
	}

	for _, truck := range trucks {
		records, err := svc.Query(context.Background(), Filter{Truck: truck})
		require.NoError(t, err)
		for i := 1; i < len(records); i++ {
			prev, next := records[i-1].Direction, records[i].Direction
			require.False(t, conflicting(prev, next), "truck %s stored %s after %s", truck, next, prev)
		}
		if len(records) > 0 {
			require.NotEqual(t, DirectionOut, records[0].Direction)
		}
	}
}

func TestConcurrentInEventsForSameTruck(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, stubTares{}, ServiceConfig{})

	const workers = 16
	var (
		wg        sync.WaitGroup
		created   atomic.Int32
		conflicts atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := svc.RecordEvent(context.Background(), kgEvent(DirectionIn, "T-1", int64(1000+i)))
			if err != nil {
				return
			}
			if res.Conflict != nil {
				conflicts.Add(1)
				return
			}
			created.Add(1)
		}(i)
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, created.Load())
	require.EqualValues(t, workers-1, conflicts.Load())
	require.Equal(t, 1, repo.count())
}

func TestNotifierFailureDoesNotFailWrite(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("redis down")}
	observer := &recordingObserver{}
	svc := newTestService(newMemoryRepo(), stubTares{}, ServiceConfig{Notifier: notifier, Observer: observer})

	mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2000))
	mustConflict(t, svc, kgEvent(DirectionIn, "T-1", 2000))

	require.Len(t, notifier.calls, 1)
	require.Equal(t, 1, observer.outcomes["in:created"])
	require.Equal(t, 1, observer.outcomes["in:conflict"])
}

func TestQueryFilters(t *testing.T) {
	svc := newTestService(newMemoryRepo(), stubTares{}, ServiceConfig{})

	mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2000, "C1", "C12"))
	mustRecord(t, svc, kgEvent(DirectionOut, "T-1", 1200, "C1", "C12"))
	none := kgEvent(DirectionNone, "T-2", 700, "C12")
	none.Produce = "C1"
	mustRecord(t, svc, none)

	ctx := context.Background()
	all, err := svc.Query(ctx, Filter{Direction: DirectionNone})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.True(t, slices.IsSortedFunc(all, func(a, b Record) int { return int(a.ID - b.ID) }))

	outs, err := svc.Query(ctx, Filter{Direction: DirectionOut})
	require.NoError(t, err)
	require.Len(t, outs, 1)

	byContainer, err := svc.Query(ctx, Filter{Container: "C1"})
	require.NoError(t, err)
	require.Len(t, byContainer, 2)

	byProduce, err := svc.Query(ctx, Filter{Produce: "C1"})
	require.NoError(t, err)
	require.Len(t, byProduce, 1)
	require.Equal(t, "T-2", byProduce[0].Truck)

	first := all[0].CreatedAt
	ranged, err := svc.Query(ctx, Filter{From: first, To: first})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
}

func TestItemHistoryUsesHighestIDTara(t *testing.T) {
	svc := newTestService(newMemoryRepo(), stubTares{"C1": 100}, ServiceConfig{})

	mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2000, "C1"))
	mustRecord(t, svc, kgEvent(DirectionOut, "T-1", 1100, "C1"))
	mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2500, "C1"))
	mustRecord(t, svc, kgEvent(DirectionOut, "T-1", 1300, "C1"))
	mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2600, "C9"))
	mustRecord(t, svc, kgEvent(DirectionOut, "T-1", 1500, "C9"))

	history, err := svc.Item(context.Background(), "T-1", Filter{})
	require.NoError(t, err)
	require.Len(t, history.Entries, 6)
	require.Len(t, history.Sessions, 3)
	require.NotNil(t, history.Tara)
	require.EqualValues(t, 1200, *history.Tara)

	byContainer, err := svc.Item(context.Background(), "C9", Filter{})
	require.NoError(t, err)
	require.Len(t, byContainer.Entries, 2)
	require.Nil(t, byContainer.Tara)

	_, err = svc.Item(context.Background(), "nobody", Filter{})
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestSessionPrefersOutRecord(t *testing.T) {
	svc := newTestService(newMemoryRepo(), stubTares{}, ServiceConfig{})

	in := mustRecord(t, svc, kgEvent(DirectionIn, "T-1", 2000))
	open, err := svc.Session(context.Background(), in.SessionID)
	require.NoError(t, err)
	require.Equal(t, in.ID, open.ID)

	out := mustRecord(t, svc, kgEvent(DirectionOut, "T-1", 1200))
	closed, err := svc.Session(context.Background(), in.SessionID)
	require.NoError(t, err)
	require.Equal(t, out.ID, closed.ID)

	_, err = svc.Session(context.Background(), 999999)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRandomSessionIDRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		id, err := randomSessionID()
		require.NoError(t, err)
		require.Positive(t, id)
		require.LessOrEqual(t, id, int64(1<<53-1))
	}
}

func TestOutOfRangeWeightsWriteNothing(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, stubTares{}, ServiceConfig{})
	ctx := context.Background()

	for _, raw := range []string{"-2000", "1e30", "99999999999999999999", "0"} {
		_, err := svc.RecordEvent(ctx, Event{Direction: DirectionIn, Truck: "T-1", Weight: decimal.RequireFromString(raw), Unit: "kg"})
		require.ErrorIs(t, err, ErrInvalidWeight, raw)
	}
	require.Zero(t, repo.count())

	res, err := svc.RecordEvent(ctx, kgEvent(DirectionOut, "T-1", 1000))
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	require.Zero(t, repo.count())
}
