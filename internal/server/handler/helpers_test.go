package handler

import (
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionfi/salescore/internal/domain"
)

func TestWriteDomainError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"authorization error", &domain.AuthorizationError{Action: "invest"}, http.StatusForbidden},
		{"capability error", &domain.CapabilityError{Action: "cancel"}, http.StatusForbidden},
		{"sale not found", domain.ErrSaleNotFound, http.StatusNotFound},
		{"position not found", domain.ErrInvestorPositionDoesNotExist, http.StatusNotFound},
		{"vesting not found", domain.ErrVestingDoesNotExist, http.StatusNotFound},
		{"signature replay", domain.ErrSignatureAlreadyUsed, http.StatusConflict},
		{"excess replay", domain.ErrExcessAlreadyClaimed, http.StatusConflict},
		{"already settled", domain.ErrAlreadySettled, http.StatusConflict},
		{"sale ended", domain.ErrSaleHasEnded, http.StatusConflict},
		{"refund window open", domain.ErrRefundPeriodIsNotOver, http.StatusConflict},
		{"duplicate sale", domain.ErrSaleAlreadyExists, http.StatusConflict},
		{"fee mismatch", &domain.FeeMismatchError{Kind: "legion", Expected: big.NewInt(1), Actual: big.NewInt(2)}, http.StatusBadRequest},
		{"zero amount", domain.ErrZeroAmountProvided, http.StatusBadRequest},
		{"bad merkle proof", domain.ErrInvalidMerkleProof, http.StatusBadRequest},
		{"bad vesting config", domain.ErrInvalidVestingConfig, http.StatusBadRequest},
		{"unknown error", fmt.Errorf("postgres: connection reset"), http.StatusInternalServerError},
		{"wrapped sentinel keeps its status", fmt.Errorf("sale_service: invest in %q: %w", "sale-1", domain.ErrSaleHasEnded), http.StatusConflict},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/sales/sale-1/invest", nil)
			writeDomainError(rec, logger, req, tc.err)

			assert.Equal(t, tc.want, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestParseAddress(t *testing.T) {
	addr, ok := parseAddress("0x1000000000000000000000000000000000000001")
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0x1000000000000000000000000000000000000001"), addr)

	for _, bad := range []string{"", "0x1234", "not-an-address", "0xzz00000000000000000000000000000000000001"} {
		_, ok := parseAddress(bad)
		assert.False(t, ok, "input %q must be rejected", bad)
	}
}

func TestParseBig(t *testing.T) {
	t.Run("empty yields nil", func(t *testing.T) {
		n, ok := parseBig("")
		require.True(t, ok)
		assert.Nil(t, n)
	})

	t.Run("decimal parses", func(t *testing.T) {
		n, ok := parseBig("123456789012345678901234567890")
		require.True(t, ok)
		want, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
		assert.Zero(t, want.Cmp(n))
	})

	t.Run("hex rejected", func(t *testing.T) {
		_, ok := parseBig("0xff")
		assert.False(t, ok)
	})
}

func TestParseProof(t *testing.T) {
	t.Run("empty proof is valid", func(t *testing.T) {
		proof, ok := parseProof(nil)
		require.True(t, ok)
		assert.Nil(t, proof)
	})

	t.Run("32-byte nodes parse", func(t *testing.T) {
		node := common.HexToHash("0xab").Hex()
		proof, ok := parseProof([]string{node})
		require.True(t, ok)
		require.Len(t, proof, 1)
		assert.Equal(t, common.HexToHash("0xab"), proof[0])
	})

	t.Run("short node rejected", func(t *testing.T) {
		_, ok := parseProof([]string{"0xabcd"})
		assert.False(t, ok)
	})

	t.Run("non-hex rejected", func(t *testing.T) {
		_, ok := parseProof([]string{"zzzz"})
		assert.False(t, ok)
	})
}

func TestParseSignature(t *testing.T) {
	t.Run("empty yields nil", func(t *testing.T) {
		sig, ok := parseSignature("")
		require.True(t, ok)
		assert.Nil(t, sig)
	})

	t.Run("hex blob parses", func(t *testing.T) {
		sig, ok := parseSignature("0xdeadbeef")
		require.True(t, ok)
		assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, sig)
	})

	t.Run("missing prefix rejected", func(t *testing.T) {
		_, ok := parseSignature("deadbeef")
		assert.False(t, ok)
	})
}

func TestBigString(t *testing.T) {
	assert.Equal(t, "0", bigString(nil))
	assert.Equal(t, "42", bigString(big.NewInt(42)))
}
