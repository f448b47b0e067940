package transfer

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a decimal amount into the ledger's smallest unit. Amounts must be
// positive and carry at most decimals fractional digits; the check is local and runs
// before anything touches the ledger.
func ToBaseUnits(amount string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, validationError("invalid amount %q", amount)
	}
	if !d.IsPositive() {
		return 0, validationError("amount must be positive, got %s", d)
	}
	if !d.Equal(d.Truncate(decimals)) {
		return 0, validationError("amount %s has more than %d decimal places", amount, decimals)
	}
	units := d.Shift(decimals).Floor()
	if units.GreaterThan(uint64Decimal(math.MaxUint64)) {
		return 0, validationError("amount %s is too large", amount)
	}
	return units.BigInt().Uint64(), nil
}

// FromBaseUnits is the inverse of ToBaseUnits, used for reporting.
func FromBaseUnits(units uint64, decimals int32) decimal.Decimal {
	return uint64Decimal(units).Shift(-decimals)
}

func uint64Decimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
