package billing

import (
	"context"

	"github.com/gan-shmuel/gan-shmuel/internal/weighing"
)

// WeighingSource reads billing inputs straight from the weighing ledger.
type WeighingSource struct {
	ledger *weighing.Service
}

// NewWeighingSource wraps the ledger.
func NewWeighingSource(ledger *weighing.Service) *WeighingSource {
	return &WeighingSource{ledger: ledger}
}

// ClosedSessions lists OUT weighings within r.
func (s *WeighingSource) ClosedSessions(ctx context.Context, r Range) ([]Session, error) {
	records, err := s.ledger.Query(ctx, weighing.Filter{From: r.From, To: r.To, Direction: weighing.DirectionOut})
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(records))
	for _, rec := range records {
		out = append(out, Session{Truck: rec.Truck, Produce: rec.Produce, Neto: rec.Neto})
	}
	return out, nil
}

// TruckHistory reports the truck's latest known tara and the sessions it took part in.
func (s *WeighingSource) TruckHistory(ctx context.Context, truck string, r Range) (TruckHistory, error) {
	records, err := s.ledger.Query(ctx, weighing.Filter{From: r.From, To: r.To, Truck: truck})
	if err != nil {
		return TruckHistory{}, err
	}
	history := TruckHistory{ID: truck, Tara: weighing.OptionalKg(weighing.LatestTara(records)), Sessions: []int64{}}
	seen := make(map[int64]struct{})
	for _, rec := range records {
		if rec.SessionID == 0 {
			continue
		}
		if _, ok := seen[rec.SessionID]; ok {
			continue
		}
		seen[rec.SessionID] = struct{}{}
		history.Sessions = append(history.Sessions, rec.SessionID)
	}
	return history, nil
}
