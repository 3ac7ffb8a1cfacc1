package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SpendEntry is one ingested transaction row. (AssetID, SheetName, RowNumber)
// is unique, which makes re-importing the same asset idempotent.
type SpendEntry struct {
	ID         int64  `json:"id" db:"id"`
	AssetID    int64  `json:"asset_id" db:"asset_id"`
	BuyerID    int64  `json:"buyer_id" db:"buyer_id"`
	SupplierID *int64 `json:"supplier_id,omitempty" db:"supplier_id"`

	// Raw spreadsheet text, preserved for audit alongside parsed values.
	BuyerName    string `json:"buyer_name" db:"buyer_name"`
	SupplierName string `json:"supplier_name" db:"supplier_name"`
	RawAmount    string `json:"raw_amount" db:"raw_amount"`
	RawDate      string `json:"raw_date" db:"raw_date"`

	Amount      decimal.Decimal `json:"amount" db:"amount"`
	PaymentDate time.Time       `json:"payment_date" db:"payment_date"`

	SheetName string    `json:"sheet_name" db:"sheet_name"`
	RowNumber int       `json:"row_number" db:"row_number"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Skip reasons, machine-stable for operator triage buckets.
const (
	SkipMissingName     = "missing_name"
	SkipUnknownOrg      = "unknown_organisation"
	SkipInvalidAmount   = "invalid_amount"
	SkipInvalidDate     = "invalid_date"
	SkipNumericName     = "numeric_placeholder_name"
	SkipEmptyRow        = "empty_row"
	SkipAmountTooLarge  = "amount_exceeds_precision"
	SkipMissingSupplier = "missing_supplier"
)

// SkippedRow records one rejected input row with its raw payload.
type SkippedRow struct {
	ID        int64     `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	AssetID   int64     `json:"asset_id" db:"asset_id"`
	SheetName string    `json:"sheet_name" db:"sheet_name"`
	RowNumber int       `json:"row_number" db:"row_number"`
	Reason    string    `json:"reason" db:"reason"`
	RawRow    []string  `json:"raw_row" db:"raw_row"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
