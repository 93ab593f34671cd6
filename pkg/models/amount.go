package models

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrPrecisionExceeded = errors.New("amount has more decimals than asset precision")
	ErrAmountOverflow    = errors.New("amount overflows int64")
)

// ScaleAmount converts a human readable decimal ("10.5") into the asset base
// unit for the given precision. Rounding is never applied.
func ScaleAmount(human string, precision int) (int64, error) {
	human = strings.TrimSpace(human)
	if human == "" || precision < 0 {
		return 0, ErrInvalidAmount
	}
	r, ok := new(big.Rat).SetString(human)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, human)
	}
	if r.Sign() <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(precision)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	if !r.IsInt() {
		return 0, fmt.Errorf("%w: %q at precision %d", ErrPrecisionExceeded, human, precision)
	}
	n := r.Num()
	if !n.IsInt64() {
		return 0, ErrAmountOverflow
	}
	return n.Int64(), nil
}

// FormatAmount renders a base unit integer as a decimal string, dividing by
// 10^precision.
func FormatAmount(amount int64, precision int) string {
	if precision <= 0 {
		return fmt.Sprintf("%d", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(precision)), nil)
	r := new(big.Rat).SetFrac(big.NewInt(amount), scale)
	out := r.FloatString(precision)
	out = strings.TrimRight(out, "0")
	return strings.TrimSuffix(out, ".")
}
