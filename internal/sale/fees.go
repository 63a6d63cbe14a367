package sale

import (
	"math/big"

	"github.com/legionfi/salescore/internal/domain"
)

var bpsDenominator = new(big.Int).SetUint64(domain.MaxBps)

// CalculateFee computes amount * bps / 10,000 with integer (floor) division.
// Settlement totals reconcile exactly because every caller recomputes fees
// through this single function.
func CalculateFee(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return fee.Div(fee, bpsDenominator)
}

// VerifyFee recomputes the fee for total at bps and requires actual to equal
// it exactly. Any mismatch returns a FeeMismatchError carrying the
// expected/actual pair.
func VerifyFee(kind string, total *big.Int, bps uint64, actual *big.Int) error {
	expected := CalculateFee(total, bps)
	if actual == nil {
		actual = new(big.Int)
	}
	if expected.Cmp(actual) != 0 {
		return &domain.FeeMismatchError{Kind: kind, Expected: expected, Actual: actual}
	}
	return nil
}
