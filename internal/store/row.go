// Package store holds the row shape shared by the SQL tick stores.
package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"mdrelay/internal/model"
)

// Row is one persisted tick. The natural key is (Market, Instrument, BucketStart).
type Row struct {
	Market      string
	Instrument  string
	BucketStart time.Time
	ObservedAt  time.Time

	Open   decimal.NullDecimal
	High   decimal.NullDecimal
	Low    decimal.NullDecimal
	Close  decimal.NullDecimal
	Amount decimal.NullDecimal
	Vol    decimal.NullDecimal
	Count  decimal.NullDecimal

	Payload string // remaining payload fields as JSON
}

// RowFromTick flattens a tick into its storage columns. Missing or
// non-numeric OHLCV fields become NULL.
func RowFromTick(t model.NormalizedTick) Row {
	return Row{
		Market:      t.Market,
		Instrument:  t.Instrument,
		BucketStart: t.BucketStart.UTC(),
		ObservedAt:  t.ObservedAt.UTC(),
		Open:        decimalField(t, "open"),
		High:        decimalField(t, "high"),
		Low:         decimalField(t, "low"),
		Close:       decimalField(t, "close"),
		Amount:      decimalField(t, "amount"),
		Vol:         decimalField(t, "vol"),
		Count:       decimalField(t, "count"),
		Payload:     string(t.PayloadJSON()),
	}
}

func decimalField(t model.NormalizedTick, field string) decimal.NullDecimal {
	n, ok := t.Number(field)
	if !ok {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// DecimalText returns the decimal as text, or nil for NULL.
func DecimalText(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

// ParseDecimalText is the inverse of DecimalText for scanned text columns.
func ParseDecimalText(s sql.NullString) decimal.NullDecimal {
	if !s.Valid {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateTarget rejects table names that are not plain SQL identifiers.
// Targets are interpolated into statements, so this is the only guard.
func ValidateTarget(target string) error {
	if !identRe.MatchString(target) {
		return fmt.Errorf("invalid storage target %q", target)
	}
	return nil
}
