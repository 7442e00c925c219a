// Package billing registers providers, their trucks and produce rates, and turns closed
// weighing sessions into provider bills.
package billing

import (
	"errors"
	"time"

	"github.com/gan-shmuel/gan-shmuel/internal/weighing"
)

// ScopeAll is the rate scope applying to every provider.
const ScopeAll = "All"

// MaxTruckIDLength bounds registered licence plates.
const MaxTruckIDLength = 10

// Provider supplies produce to the facility.
type Provider struct {
	ID   int64  `json:"id,string"`
	Name string `json:"name"`
}

// Truck is a licence plate assigned to a provider.
type Truck struct {
	ID         string `json:"id"`
	ProviderID int64  `json:"provider"`
}

// Rate is the price of a product in agorot per kilogram within a scope.
type Rate struct {
	Product string `json:"product"`
	Rate    int64  `json:"rate"`
	Scope   string `json:"scope"`
}

// ProductLine aggregates one product on a bill.
type ProductLine struct {
	Product string `json:"product"`
	Count   int    `json:"count,string"`
	Amount  int64  `json:"amount"`
	Rate    int64  `json:"rate"`
	Pay     int64  `json:"pay"`
}

// Bill is a provider's statement over a date range.
type Bill struct {
	ID           int64         `json:"id,string"`
	Name         string        `json:"name"`
	From         string        `json:"from"`
	To           string        `json:"to"`
	TruckCount   int           `json:"truckCount"`
	SessionCount int           `json:"sessionCount"`
	Products     []ProductLine `json:"products"`
	Total        int64         `json:"total"`
}

// Session is the part of a closed weighing a bill needs.
type Session struct {
	Truck   string
	Produce string
	Neto    *int64
}

// TruckHistory is a truck's tara and sessions over a range.
type TruckHistory struct {
	ID       string      `json:"id"`
	Tara     weighing.Kg `json:"tara"`
	Sessions []int64     `json:"sessions"`
}

// Range is an inclusive billing period.
type Range struct {
	From time.Time
	To   time.Time
}

var (
	// ErrProviderNotFound indicates an unknown provider id.
	ErrProviderNotFound = errors.New("billing: provider not found")
	// ErrTruckNotFound indicates an unregistered truck.
	ErrTruckNotFound = errors.New("billing: truck not found")
	// ErrDuplicateProvider indicates a provider name already in use.
	ErrDuplicateProvider = errors.New("billing: provider name already exists")
	// ErrDuplicateTruck indicates a truck already registered.
	ErrDuplicateTruck = errors.New("billing: truck already exists")
	// ErrInvalidName indicates a blank provider name.
	ErrInvalidName = errors.New("billing: provider name cannot be empty")
	// ErrInvalidTruckID indicates a blank or overlong truck id.
	ErrInvalidTruckID = errors.New("billing: truck id must be 1-10 characters")
	// ErrInvalidRange indicates a range whose start is after its end.
	ErrInvalidRange = errors.New("billing: from must not be after to")
	// ErrMalformedRates indicates a rate sheet that could not be parsed.
	ErrMalformedRates = errors.New("billing: malformed rate sheet")
	// ErrRateFileNotFound indicates a rate sheet missing from the rates directory.
	ErrRateFileNotFound = errors.New("billing: rate file not found")
	// ErrNoRates indicates a rate sheet without rows.
	ErrNoRates = errors.New("billing: no rates found in sheet")
)

// ResolveRate picks the provider's rate for product, then the global one, else zero.
func ResolveRate(rates []Rate, product string, providerID int64) int64 {
	scope := formatID(providerID)
	var (
		global int64
		found  bool
	)
	for _, r := range rates {
		if r.Product != product {
			continue
		}
		if r.Scope == scope {
			return r.Rate
		}
		if r.Scope == ScopeAll && !found {
			global = r.Rate
			found = true
		}
	}
	return global
}
