// Package currency provides exact fixed-point conversions between the
// settlement currency's display unit (XRP) and its smallest on-ledger unit
// (drops). All arithmetic is decimal-exact; binary floats never touch money.
package currency

import (
	"errors"

	"github.com/shopspring/decimal"
)

// DropsPerXRP is the number of smallest units in one display unit.
const DropsPerXRP = 1_000_000

// ErrSubDropPrecision is returned when an XRP value cannot be represented
// as a whole number of drops.
var ErrSubDropPrecision = errors.New("currency: amount has sub-drop precision")

var dropsPerXRP = decimal.NewFromInt(DropsPerXRP)

// DropsToXRP converts a drops amount to XRP.
func DropsToXRP(drops decimal.Decimal) decimal.Decimal {
	return drops.Div(dropsPerXRP)
}

// XRPToDrops converts an XRP amount to a whole number of drops. Values
// finer than one drop are rejected rather than silently truncated.
func XRPToDrops(xrp decimal.Decimal) (decimal.Decimal, error) {
	drops := xrp.Mul(dropsPerXRP)
	if !drops.Equal(drops.Truncate(0)) {
		return decimal.Decimal{}, ErrSubDropPrecision
	}
	return drops, nil
}

// CeilInt64 rounds d up to the nearest whole number and returns it as an
// int64.
func CeilInt64(d decimal.Decimal) int64 {
	return d.Ceil().IntPart()
}
