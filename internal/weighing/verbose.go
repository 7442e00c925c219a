package weighing

import (
	"encoding/json"
	"strconv"
)

// NotAvailable is rendered in place of weights that could not be computed.
const NotAvailable = "na"

// Kg is an optional kilogram amount that renders as "na" when absent.
type Kg struct {
	v *int64
}

// OptionalKg wraps v.
func OptionalKg(v *int64) Kg { return Kg{v: v} }

// MarshalJSON implements json.Marshaler.
func (k Kg) MarshalJSON() ([]byte, error) {
	if k.v == nil {
		return json.Marshal(NotAvailable)
	}
	return []byte(strconv.FormatInt(*k.v, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *Kg) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != NotAvailable {
			return ErrInvalidWeight
		}
		k.v = nil
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	k.v = &n
	return nil
}

// Value returns the wrapped amount.
func (k Kg) Value() *int64 { return k.v }

// VerboseRecord is the projection returned to scale clients.
type VerboseRecord struct {
	ID        int64  `json:"id"`
	Truck     string `json:"truck"`
	Bruto     int64  `json:"bruto"`
	TruckTara *Kg    `json:"truckTara,omitempty"`
	Neto      *Kg    `json:"neto,omitempty"`
}

// Verbose projects rec; tara and neto are only shown for OUT records.
func Verbose(rec Record) VerboseRecord {
	out := VerboseRecord{ID: rec.ID, Truck: rec.Truck, Bruto: rec.Bruto}
	if rec.Direction == DirectionOut {
		tara := OptionalKg(rec.TruckTara)
		neto := OptionalKg(rec.Neto)
		out.TruckTara = &tara
		out.Neto = &neto
	}
	return out
}

// WeightLine is one entry of the weighing listing.
type WeightLine struct {
	ID         int64    `json:"id"`
	Direction  string   `json:"direction"`
	Bruto      int64    `json:"bruto"`
	Neto       Kg       `json:"neto"`
	Produce    string   `json:"produce"`
	Containers []string `json:"containers"`
}

// Lines projects records for the weighing listing.
func Lines(records []Record) []WeightLine {
	out := make([]WeightLine, 0, len(records))
	for _, rec := range records {
		containers := rec.Containers
		if containers == nil {
			containers = []string{}
		}
		out = append(out, WeightLine{
			ID:         rec.ID,
			Direction:  string(rec.Direction),
			Bruto:      rec.Bruto,
			Neto:       OptionalKg(rec.Neto),
			Produce:    rec.Produce,
			Containers: containers,
		})
	}
	return out
}

// ItemLine is one entry of a truck or container history.
type ItemLine struct {
	ID        int64 `json:"id"`
	Tara      Kg    `json:"tara"`
	SessionID int64 `json:"session_id"`
}

// ItemLines projects a history for GET /item.
func ItemLines(h ItemHistory) []ItemLine {
	out := make([]ItemLine, 0, len(h.Entries))
	for _, e := range h.Entries {
		out = append(out, ItemLine{ID: e.ID, Tara: OptionalKg(e.Tara), SessionID: e.SessionID})
	}
	return out
}
