package pipeline

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Parse failure sentinels; the import stage maps these to skip reasons.
var (
	ErrInvalidAmount  = eris.New("pipeline: invalid amount")
	ErrAmountTooLarge = eris.New("pipeline: amount exceeds storage precision")
	ErrInvalidDate    = eris.New("pipeline: invalid date")
)

// amountCeiling is the NUMERIC(15,2) magnitude bound: 13 integer digits.
var amountCeiling = decimal.New(1, 13)

// parseAmount converts a raw spreadsheet amount cell. Currency symbols and
// thousands separators are stripped and a parenthesized value is negative,
// the accounting convention.
func parseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	var b strings.Builder
	for _, r := range s {
		switch r {
		case '£', '$', '€', ',', ' ', '\u00a0':
		default:
			b.WriteRune(r)
		}
	}
	s = strings.TrimSpace(b.String())
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if negative {
		d = d.Neg()
	}
	if d.Abs().GreaterThanOrEqual(amountCeiling) {
		return decimal.Zero, ErrAmountTooLarge
	}
	return d, nil
}

// excelEpoch is the workbook serial-date origin. Day 1 is 1899-12-31 but the
// de-facto epoch is 1899-12-30 to absorb the historical leap-year bug.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// maxExcelSerial keeps nonsense numerics (phone numbers, ids) from parsing
// as dates; 219146 is the year 2500.
const maxExcelSerial = 219146

// dateLayouts, tried in order. The two-digit-year month form ("23-Apr")
// resolves to the first of the month.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"02-Jan-2006",
	"2-Jan-2006",
	"02-Jan-06",
	"2-Jan-06",
	"06-Jan",
}

// parseDate converts a raw spreadsheet date cell: formatted UK-style dates or
// a numeric Excel serial.
func parseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, ErrInvalidDate
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		if serial <= 0 || serial > maxExcelSerial {
			return time.Time{}, ErrInvalidDate
		}
		return excelEpoch.AddDate(0, 0, int(serial)), nil
	}

	return time.Time{}, ErrInvalidDate
}
