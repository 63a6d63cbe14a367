package crypto

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionfi/salescore/internal/domain"
)

// signDigest produces a 65-byte r||s||v signature over the EIP-191 wrapped
// digest, with v in {27,28}.
func signDigest(t *testing.T, key *ecdsa.PrivateKey, digest common.Hash) []byte {
	t.Helper()
	wrapped := ethcrypto.Keccak256(ethSignedMessagePrefix, digest.Bytes())
	sig, err := ethcrypto.Sign(wrapped, key)
	require.NoError(t, err)
	sig[64] += 27
	return sig
}

func TestAuthorizerVerify(t *testing.T) {
	signerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := ethcrypto.PubkeyToAddress(signerKey.PublicKey)

	auth := NewAuthorizer(NewDomainContext(1, "sale-1"))
	investor := common.HexToAddress("0x1111111111111111111111111111111111111111")
	digest := auth.InvestDigest(investor, big.NewInt(1000), big.NewInt(0))

	t.Run("valid signature recovers signer", func(t *testing.T) {
		sig := signDigest(t, signerKey, digest)
		require.NoError(t, auth.Verify("invest", digest, sig, signer))
	})

	t.Run("wrong signer rejected", func(t *testing.T) {
		otherKey, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		sig := signDigest(t, otherKey, digest)

		err = auth.Verify("invest", digest, sig, signer)
		var authErr *domain.AuthorizationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "invest", authErr.Action)
		assert.Equal(t, signer, authErr.Expected)
		assert.Equal(t, ethcrypto.PubkeyToAddress(otherKey.PublicKey), authErr.Actual)
	})

	t.Run("malformed signature rejected", func(t *testing.T) {
		err := auth.Verify("invest", digest, []byte{0x01, 0x02}, signer)
		var authErr *domain.AuthorizationError
		require.ErrorAs(t, err, &authErr)
	})

	t.Run("signature for one digest does not verify another", func(t *testing.T) {
		sig := signDigest(t, signerKey, digest)
		other := auth.InvestDigest(investor, big.NewInt(2000), big.NewInt(0))
		require.Error(t, auth.Verify("invest", other, sig, signer))
	})
}

func TestDigestDomainSeparation(t *testing.T) {
	investor := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount := big.NewInt(500)

	a1 := NewAuthorizer(NewDomainContext(1, "sale-1"))
	a2 := NewAuthorizer(NewDomainContext(1, "sale-2"))
	a3 := NewAuthorizer(NewDomainContext(137, "sale-1"))

	t.Run("sale id separates digests", func(t *testing.T) {
		assert.NotEqual(t,
			a1.ExcessDigest(investor, amount),
			a2.ExcessDigest(investor, amount),
		)
	})

	t.Run("chain id separates digests", func(t *testing.T) {
		assert.NotEqual(t,
			a1.ExcessDigest(investor, amount),
			a3.ExcessDigest(investor, amount),
		)
	})

	t.Run("action byte separates digests", func(t *testing.T) {
		// Invest and excess digests over identical field bytes must differ.
		invest := a1.InvestDigest(investor, amount, big.NewInt(0))
		excess := a1.ExcessDigest(investor, amount)
		assert.NotEqual(t, invest, excess)
	})
}

func TestTransferDigestBindsPositionID(t *testing.T) {
	auth := NewAuthorizer(NewDomainContext(1, "sale-1"))
	from := common.HexToAddress("0x3333333333333333333333333333333333333333")
	to := common.HexToAddress("0x4444444444444444444444444444444444444444")

	assert.NotEqual(t,
		auth.TransferDigest(from, to, 1),
		auth.TransferDigest(from, to, 2),
	)
	assert.NotEqual(t,
		auth.TransferDigest(from, to, 1),
		auth.TransferDigest(to, from, 1),
	)
}

func TestVestingConfigHash(t *testing.T) {
	base := domain.VestingConfig{
		Kind:            domain.VestingKindLinear,
		StartTimestamp:  1_700_000_000,
		DurationSeconds: 31_536_000,
	}

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, VestingConfigHash(base), VestingConfigHash(base))
	})

	t.Run("field change moves hash", func(t *testing.T) {
		changed := base
		changed.CliffDurationSeconds = 3_600
		assert.NotEqual(t, VestingConfigHash(base), VestingConfigHash(changed))
	})

	t.Run("nil initial release rate is zero", func(t *testing.T) {
		withZero := base
		withZero.InitialReleaseRate = new(big.Int)
		assert.Equal(t, VestingConfigHash(base), VestingConfigHash(withZero))
	})
}

func TestSignatureHash(t *testing.T) {
	sig1 := make([]byte, 65)
	sig2 := make([]byte, 65)
	sig2[0] = 0x01

	assert.Equal(t, SignatureHash(sig1), SignatureHash(sig1))
	assert.NotEqual(t, SignatureHash(sig1), SignatureHash(sig2))
}
