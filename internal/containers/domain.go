// Package containers keeps the registry of container tare weights used to close sessions.
package containers

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Container is a registered container tare entry.
type Container struct {
	ID     string
	Weight decimal.Decimal
	Unit   string
}

// Format identifies a bulk import file layout.
type Format string

const (
	// FormatCSV expects a header row of `id,<unit>` followed by `id,weight` rows.
	FormatCSV Format = "csv"
	// FormatJSON expects an array of {"id","weight","unit"} objects.
	FormatJSON Format = "json"
)

// ImportReport summarises a bulk import.
type ImportReport struct {
	Inserted int      `json:"inserted"`
	Skipped  []string `json:"skipped"`
}

var (
	// ErrUnsupportedFormat indicates an import file with an unknown extension.
	ErrUnsupportedFormat = errors.New("containers: unsupported import format")
	// ErrMalformedFile indicates an import file that could not be parsed.
	ErrMalformedFile = errors.New("containers: malformed import file")
)

// SplitIDs turns the comma-joined container list of a weighing into ids, dropping blanks.
func SplitIDs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// FormatFromFilename picks the import format from a file extension.
func FormatFromFilename(name string) (Format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".csv"):
		return FormatCSV, nil
	case strings.HasSuffix(lower, ".json"):
		return FormatJSON, nil
	}
	return "", ErrUnsupportedFormat
}
