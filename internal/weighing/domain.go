// Package weighing records truck weighings and reconciles them into intake sessions.
package weighing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of the scale a truck is weighed on.
type Direction string

const (
	// DirectionIn opens a session with the loaded truck.
	DirectionIn Direction = "in"
	// DirectionOut closes the truck's session after unloading.
	DirectionOut Direction = "out"
	// DirectionNone is a standalone weighing; an absent direction is stored as none.
	DirectionNone Direction = "none"
)

// ParseDirection normalises a caller supplied direction. Blank means none.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DirectionNone:
		return DirectionNone, nil
	case DirectionIn:
		return DirectionIn, nil
	case DirectionOut:
		return DirectionOut, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
}

// Record is one physical weighing event.
type Record struct {
	ID         int64
	CreatedAt  time.Time
	Direction  Direction
	Truck      string
	Containers []string
	Bruto      int64
	TruckTara  *int64
	Neto       *int64
	Produce    string
	SessionID  int64
}

// Event is an incoming scale reading.
type Event struct {
	Direction  Direction
	Truck      string
	Containers []string
	Weight     decimal.Decimal
	Unit       string
	Produce    string
	Force      bool
}

// Conflict explains why an event was rejected against the truck's current state.
type Conflict struct {
	Reason string
}

// Result is the outcome of RecordEvent: exactly one of Record or Conflict is set.
type Result struct {
	Record    *Record
	Conflict  *Conflict
	Corrected bool
}

// Filter narrows record queries. Zero values do not filter.
type Filter struct {
	From      time.Time
	To        time.Time
	Direction Direction
	Container string
	Produce   string
	Truck     string
	SessionID int64
}

// ItemEntry is one line of a truck or container history.
type ItemEntry struct {
	ID        int64
	Tara      *int64
	SessionID int64
}

// ItemHistory is the weighing history of a truck or container within a range.
type ItemHistory struct {
	ID       string
	Tara     *int64
	Entries  []ItemEntry
	Sessions []int64
}

var (
	// ErrInvalidDirection indicates an unsupported direction value.
	ErrInvalidDirection = errors.New("weighing: direction must be in, out or none")
	// ErrTruckRequired indicates an event without a truck.
	ErrTruckRequired = errors.New("weighing: truck is required")
	// ErrInvalidWeight indicates a weight that cannot be converted to kilograms.
	ErrInvalidWeight = errors.New("weighing: weight and unit must resolve to kilograms")
	// ErrRecordNotFound indicates the truck has no weighing yet.
	ErrRecordNotFound = errors.New("weighing: record not found")
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("weighing: session not found")
	// ErrItemNotFound indicates no weighing references the truck or container.
	ErrItemNotFound = errors.New("weighing: item not found")
)

// JoinContainers renders container ids the way they are stored.
func JoinContainers(ids []string) string {
	return strings.Join(ids, ",")
}
