package types

import "github.com/shopspring/decimal"

var Dec100 = decimal.NewFromInt(100)

// ToMinorUnits converts a decimal amount into cents for storage.
func ToMinorUnits(v decimal.Decimal) int64 {
	return v.Mul(Dec100).Round(0).IntPart()
}

// FromMinorUnits converts stored cents back into a decimal amount.
func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.NewFromInt(v).Div(Dec100)
}
