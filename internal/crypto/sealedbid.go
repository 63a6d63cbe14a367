package crypto

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"github.com/legionfi/salescore/internal/domain"
)

// The sealed-bid scheme is additive masking over an ECDH shared secret on
// secp256k1:
//
//	salt   = keccak256(investor || saltConstant) mod N   (never zero)
//	S      = salt * P                                    (P = sale public key)
//	mask   = keccak256(S.x || S.y)
//	cipher = amount + mask            (mod 2^256)
//
// The platform later reveals the private key d with P = d*G; it recomputes
// S = d * (salt*G) = salt*P and recovers amount = cipher - mask. Decryption
// is read-only and idempotent.

// two256 is the modulus for cipher arithmetic, matching uint256 wraparound.
var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// DeriveBidSalt derives the per-investor masking scalar from the investor
// address and the sale's salt constant. The result is reduced into [1, N-1].
func DeriveBidSalt(investor common.Address, saltConstant common.Hash) *big.Int {
	n := ethcrypto.S256().Params().N
	salt := new(big.Int).SetBytes(ethcrypto.Keccak256(investor.Bytes(), saltConstant.Bytes()))
	salt.Mod(salt, n)
	if salt.Sign() == 0 {
		salt.SetUint64(1)
	}
	return salt
}

// EncryptBid seals amount under the sale public key for the given investor.
func EncryptBid(amount *big.Int, pub *ecdsa.PublicKey, investor common.Address, saltConstant common.Hash) (*big.Int, error) {
	if err := checkPublicKey(pub); err != nil {
		return nil, err
	}
	salt := DeriveBidSalt(investor, saltConstant)
	sx, sy := ethcrypto.S256().ScalarMult(pub.X, pub.Y, salt.Bytes())

	cipher := new(big.Int).Add(amount, maskFromPoint(sx, sy))
	cipher.Mod(cipher, two256)
	return cipher, nil
}

// DecryptBid recovers the bid amount from cipher using the revealed private
// key. The caller must have validated the key with ValidateRevealedKey first.
func DecryptBid(cipher, privateKey *big.Int, investor common.Address, saltConstant common.Hash) *big.Int {
	curve := ethcrypto.S256()
	salt := DeriveBidSalt(investor, saltConstant)

	// S = d * (salt*G) == salt * P
	rx, ry := curve.ScalarBaseMult(salt.Bytes())
	sx, sy := curve.ScalarMult(rx, ry, privateKey.Bytes())

	amount := new(big.Int).Sub(cipher, maskFromPoint(sx, sy))
	amount.Mod(amount, two256)
	return amount
}

// VerifyBidPublicKey rejects a submitted bid key unless it is a valid curve
// point, not the identity, and exactly equals the sale's registered key.
func VerifyBidPublicKey(submitted, registered *ecdsa.PublicKey) error {
	if err := checkPublicKey(submitted); err != nil {
		return err
	}
	if registered == nil || submitted.X.Cmp(registered.X) != 0 || submitted.Y.Cmp(registered.Y) != 0 {
		return domain.ErrInvalidBidPublicKey
	}
	return nil
}

// ValidateRevealedKey checks the revealed private key against the registered
// public key via scalar multiplication of the base point. It runs before any
// bid is decrypted so an incorrect key is rejected up front.
func ValidateRevealedKey(privateKey *big.Int, registered *ecdsa.PublicKey) error {
	curve := ethcrypto.S256()
	if privateKey == nil || privateKey.Sign() <= 0 || privateKey.Cmp(curve.Params().N) >= 0 {
		return domain.ErrInvalidBidPrivateKey
	}
	if registered == nil {
		return domain.ErrInvalidBidPublicKey
	}
	px, py := curve.ScalarBaseMult(privateKey.Bytes())
	if px.Cmp(registered.X) != 0 || py.Cmp(registered.Y) != 0 {
		return domain.ErrInvalidBidPrivateKey
	}
	return nil
}

// ValidatePublicKey verifies the point lies on secp256k1 and is not the
// identity.
func ValidatePublicKey(pub *ecdsa.PublicKey) error {
	return checkPublicKey(pub)
}

// checkPublicKey verifies the point lies on secp256k1 and is not the
// identity.
func checkPublicKey(pub *ecdsa.PublicKey) error {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return domain.ErrInvalidBidPublicKey
	}
	if pub.X.Sign() == 0 && pub.Y.Sign() == 0 {
		return domain.ErrInvalidBidPublicKey
	}
	if !ethcrypto.S256().IsOnCurve(pub.X, pub.Y) {
		return domain.ErrInvalidBidPublicKey
	}
	return nil
}

// maskFromPoint derives the additive mask from a shared-secret point.
func maskFromPoint(x, y *big.Int) *big.Int {
	h := sha3.NewLegacyKeccak256()
	h.Write(bigIntTo32Bytes(x))
	h.Write(bigIntTo32Bytes(y))
	return new(big.Int).SetBytes(h.Sum(nil))
}
