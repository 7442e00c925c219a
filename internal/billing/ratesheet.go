package billing

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

var rateColumns = []string{"Product", "Rate", "Scope"}

// ParseRateSheet reads the first sheet of an .xlsx workbook with Product, Rate and Scope
// columns. A blank scope means every provider; numeric scopes are provider ids.
func ParseRateSheet(r io.Reader) ([]Rate, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRates, err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrMalformedRates)
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRates, err)
	}
	if len(rows) == 0 {
		return nil, ErrNoRates
	}

	index := make(map[string]int, len(rows[0]))
	for i, cell := range rows[0] {
		index[strings.TrimSpace(cell)] = i
	}
	var missing []string
	for _, col := range rateColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns %s", ErrMalformedRates, strings.Join(missing, ", "))
	}

	var rates []Rate
	for i, row := range rows[1:] {
		line := i + 2
		product := cell(row, index["Product"])
		rawRate := cell(row, index["Rate"])
		scope := cell(row, index["Scope"])
		if product == "" && rawRate == "" && scope == "" {
			continue
		}
		if product == "" || rawRate == "" {
			return nil, fmt.Errorf("%w: row %d has missing Product or Rate", ErrMalformedRates, line)
		}
		rate, err := decimal.NewFromString(rawRate)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d rate %q", ErrMalformedRates, line, rawRate)
		}
		rates = append(rates, Rate{Product: product, Rate: rate.IntPart(), Scope: normaliseScope(scope)})
	}
	if len(rates) == 0 {
		return nil, ErrNoRates
	}
	return rates, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func normaliseScope(raw string) string {
	if raw == "" {
		return ScopeAll
	}
	if strings.EqualFold(raw, ScopeAll) {
		return ScopeAll
	}
	if d, err := decimal.NewFromString(raw); err == nil {
		return d.Truncate(0).String()
	}
	return raw
}

// WriteRateSheet renders rates as a workbook readable by ParseRateSheet.
func WriteRateSheet(w io.Writer, rates []Rate) error {
	book := excelize.NewFile()
	defer book.Close()

	sheet := book.GetSheetName(0)
	if err := book.SetSheetRow(sheet, "A1", &[]any{"Product", "Rate", "Scope"}); err != nil {
		return err
	}
	for i, r := range rates {
		axis := "A" + strconv.Itoa(i+2)
		if err := book.SetSheetRow(sheet, axis, &[]any{r.Product, r.Rate, r.Scope}); err != nil {
			return err
		}
	}
	_, err := book.WriteTo(w)
	return err
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
