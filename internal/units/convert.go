// Package units converts scale readings and registered tare weights to kilograms.
package units

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// Unit identifies a family of mass unit aliases.
type Unit string

const (
	// Kilogram is the canonical unit stored by the ledger.
	Kilogram Unit = "kg"
	// Pound converts as lbs / 2.20.
	Pound Unit = "lb"
	// ShortTon is the US ton, converted as tons * 907.2.
	ShortTon Unit = "st"
	// MetricTon converts as tons * 1000.
	MetricTon Unit = "t"
	// LongTon is the UK imperial ton, converted as tons * 1016.
	LongTon Unit = "lt"
)

var aliases = map[string]Unit{
	"kg":       Kilogram,
	"kilogram": Kilogram,

	"lb":     Pound,
	"lbs":    Pound,
	"pound":  Pound,
	"pounds": Pound,
	"lbm":    Pound,

	"st":        ShortTon,
	"short ton": ShortTon,
	"short_ton": ShortTon,
	"us ton":    ShortTon,
	"us_ton":    ShortTon,
	"ust":       ShortTon,

	"t":          MetricTon,
	"tonne":      MetricTon,
	"metric ton": MetricTon,
	"metric_ton": MetricTon,
	"mt":         MetricTon,

	"lt":           LongTon,
	"long ton":     LongTon,
	"long_ton":     LongTon,
	"imperial ton": LongTon,
	"imperial_ton": LongTon,
}

var (
	poundsPerKilogram = decimal.RequireFromString("2.20")
	kilogramsPerShort = decimal.RequireFromString("907.2")
	kilogramsPerTon   = decimal.NewFromInt(1000)
	kilogramsPerLong  = decimal.NewFromInt(1016)

	maxKilograms = decimal.NewFromInt(math.MaxInt64)
)

var folder = cases.Fold()

// Parse resolves a unit alias case-insensitively.
func Parse(unit string) (Unit, bool) {
	key := folder.String(strings.TrimSpace(unit))
	if key == "" {
		return "", false
	}
	u, ok := aliases[key]
	return u, ok
}

// Known reports whether unit is a recognised alias.
func Known(unit string) bool {
	_, ok := Parse(unit)
	return ok
}

// ToKilograms converts weight expressed in unit into whole kilograms.
//
// The second result is false when the unit is empty or unknown, and also when weight is
// not positive or the result does not fit in an int64.
// Pound and US ton conversions round half to even; kilogram, metric ton and long ton
// values are truncated toward zero.
func ToKilograms(weight decimal.Decimal, unit string) (int64, bool) {
	if weight.Sign() <= 0 {
		return 0, false
	}
	u, ok := Parse(unit)
	if !ok {
		return 0, false
	}
	var kg decimal.Decimal
	switch u {
	case Kilogram:
		kg = weight
	case Pound:
		kg = weight.Div(poundsPerKilogram).RoundBank(0)
	case ShortTon:
		kg = weight.Mul(kilogramsPerShort).RoundBank(0)
	case MetricTon:
		kg = weight.Mul(kilogramsPerTon)
	case LongTon:
		kg = weight.Mul(kilogramsPerLong)
	default:
		return 0, false
	}
	return Whole(kg)
}

// Whole truncates kg to an integer. It reports false for results that are not positive or
// exceed the int64 range.
func Whole(kg decimal.Decimal) (int64, bool) {
	kg = kg.Truncate(0)
	if kg.Sign() <= 0 || kg.GreaterThan(maxKilograms) {
		return 0, false
	}
	return kg.IntPart(), true
}

// ParseWeight parses a numeric scale reading such as "2000" or "2.2".
func ParseWeight(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(raw))
}
