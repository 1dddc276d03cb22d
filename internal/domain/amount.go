package domain

import (
	"fmt"
	"math"
	"math/bits"
)

// MulAmount returns a*b for non-negative minor-unit amounts. It fails with
// ErrAmountOutOfRange when an operand is negative or the product does not
// fit in an int64.
func MulAmount(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("%d * %d: %w", a, b, ErrAmountOutOfRange)
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, fmt.Errorf("%d * %d overflows: %w", a, b, ErrAmountOutOfRange)
	}
	return int64(lo), nil
}

// AddAmount returns a+b for non-negative amounts, failing like MulAmount.
func AddAmount(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("%d + %d: %w", a, b, ErrAmountOutOfRange)
	}
	if a > math.MaxInt64-b {
		return 0, fmt.Errorf("%d + %d overflows: %w", a, b, ErrAmountOutOfRange)
	}
	return a + b, nil
}
