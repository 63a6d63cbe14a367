package sale

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionfi/salescore/internal/domain"
)

func TestCalculateFee(t *testing.T) {
	tests := []struct {
		name   string
		amount *big.Int
		bps    uint64
		want   *big.Int
	}{
		{"zero amount", big.NewInt(0), 250, big.NewInt(0)},
		{"zero bps", big.NewInt(10_000), 0, big.NewInt(0)},
		{"nil amount", nil, 250, big.NewInt(0)},
		{"250 bps of 10000", big.NewInt(10_000), 250, big.NewInt(250)},
		{"100 bps of 10000", big.NewInt(10_000), 100, big.NewInt(100)},
		{"floor division", big.NewInt(999), 250, big.NewInt(24)}, // 999*250/10000 = 24.975
		{"full take", big.NewInt(777), 10_000, big.NewInt(777)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateFee(tc.amount, tc.bps)
			assert.Zero(t, tc.want.Cmp(got), "want %s, got %s", tc.want, got)
		})
	}
}

func TestCalculateFeeDoesNotMutateInput(t *testing.T) {
	amount := big.NewInt(10_000)
	CalculateFee(amount, 250)
	assert.Zero(t, amount.Cmp(big.NewInt(10_000)))
}

func TestVerifyFee(t *testing.T) {
	total := big.NewInt(10_000)

	t.Run("exact match passes", func(t *testing.T) {
		require.NoError(t, VerifyFee("legion", total, 250, big.NewInt(250)))
	})

	t.Run("nil actual treated as zero", func(t *testing.T) {
		require.NoError(t, VerifyFee("legion", total, 0, nil))
	})

	t.Run("mismatch carries expected and actual", func(t *testing.T) {
		err := VerifyFee("referrer", total, 100, big.NewInt(99))
		var feeErr *domain.FeeMismatchError
		require.ErrorAs(t, err, &feeErr)
		assert.Equal(t, "referrer", feeErr.Kind)
		assert.Zero(t, feeErr.Expected.Cmp(big.NewInt(100)))
		assert.Zero(t, feeErr.Actual.Cmp(big.NewInt(99)))
	})

	t.Run("overpayment rejected", func(t *testing.T) {
		err := VerifyFee("legion", total, 250, big.NewInt(251))
		var feeErr *domain.FeeMismatchError
		require.ErrorAs(t, err, &feeErr)
	})
}
