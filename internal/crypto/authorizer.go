// Package crypto implements the signature authorization scheme, the
// sealed-bid commit-reveal scheme, and Merkle proof verification used by the
// sale engine. All digests are keccak256 over abi.encodePacked-style byte
// concatenation, and signatures are 65-byte secp256k1 r||s||v values with v
// in {27,28}.
package crypto

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/legionfi/salescore/internal/domain"
)

// Action discriminants mixed into every authorization digest so a signature
// for one action can never authorize another.
const (
	ActionInvest           byte = 0x01
	ActionWithdrawExcess   byte = 0x02
	ActionClaimAllocation  byte = 0x03
	ActionTransferPosition byte = 0x05
)

// ethSignedMessagePrefix is the EIP-191 personal-message prefix for 32-byte
// payloads.
var ethSignedMessagePrefix = []byte("\x19Ethereum Signed Message:\n32")

// DomainContext binds authorization digests to one sale on one chain. It is
// passed in explicitly rather than read from ambient execution context.
type DomainContext struct {
	ChainID uint64
	Sale    common.Hash // keccak256 of the sale id
}

// NewDomainContext derives the domain context for a sale id.
func NewDomainContext(chainID uint64, saleID string) DomainContext {
	return DomainContext{
		ChainID: chainID,
		Sale:    common.BytesToHash(ethcrypto.Keccak256([]byte(saleID))),
	}
}

// Authorizer verifies per-action signed authorizations against an expected
// signer. It is stateless; replay protection (the used-signature set) lives
// in the engine so insertion commits atomically with the state change.
type Authorizer struct {
	dc DomainContext
}

// NewAuthorizer creates an Authorizer bound to the given domain context.
func NewAuthorizer(dc DomainContext) *Authorizer {
	return &Authorizer{dc: dc}
}

// InvestDigest binds an investor's capital cap and allocation rate to the
// invest action.
func (a *Authorizer) InvestDigest(investor common.Address, cap, allocationRate *big.Int) common.Hash {
	return a.digest(ActionInvest,
		common.LeftPadBytes(investor.Bytes(), 32),
		bigIntTo32Bytes(cap),
		bigIntTo32Bytes(allocationRate),
	)
}

// ExcessDigest binds the capped amount an investor is entitled to keep to the
// excess-withdrawal action.
func (a *Authorizer) ExcessDigest(investor common.Address, cappedAmount *big.Int) common.Hash {
	return a.digest(ActionWithdrawExcess,
		common.LeftPadBytes(investor.Bytes(), 32),
		bigIntTo32Bytes(cappedAmount),
	)
}

// ClaimDigest binds the final token allocation and the approved vesting
// config to the claim action.
func (a *Authorizer) ClaimDigest(investor common.Address, amount *big.Int, vesting domain.VestingConfig) common.Hash {
	return a.digest(ActionClaimAllocation,
		common.LeftPadBytes(investor.Bytes(), 32),
		bigIntTo32Bytes(amount),
		VestingConfigHash(vesting).Bytes(),
	)
}

// TransferDigest binds source, destination and position id to the transfer
// action. The position id doubles as the transfer nonce: the id is retired
// when the position moves or merges, so the digest can never be replayed.
func (a *Authorizer) TransferDigest(from, to common.Address, positionID uint64) common.Hash {
	return a.digest(ActionTransferPosition,
		common.LeftPadBytes(from.Bytes(), 32),
		common.LeftPadBytes(to.Bytes(), 32),
		bigIntTo32Bytes(new(big.Int).SetUint64(positionID)),
	)
}

// Verify recovers the signer of digest from a 65-byte signature and compares
// it against expected. A mismatch returns *domain.AuthorizationError.
func (a *Authorizer) Verify(action string, digest common.Hash, sig []byte, expected common.Address) error {
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return &domain.AuthorizationError{Action: action, Expected: expected}
	}
	if signer != expected {
		return &domain.AuthorizationError{Action: action, Expected: expected, Actual: signer}
	}
	return nil
}

// RecoverSigner recovers the address that produced sig over the EIP-191
// wrapped digest.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, domain.ErrZeroAmountProvided
	}

	// Normalize v from {27,28} to the {0,1} recovery id go-ethereum expects.
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}

	wrapped := ethcrypto.Keccak256(ethSignedMessagePrefix, digest.Bytes())
	pub, err := ethcrypto.SigToPub(wrapped, s)
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// SignatureHash keys the used-signature set by the keccak256 of the raw
// signature bytes.
func SignatureHash(sig []byte) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(sig))
}

// VestingConfigHash hashes a vesting config into a single 32-byte value for
// inclusion in claim digests.
func VestingConfigHash(v domain.VestingConfig) common.Hash {
	initial := v.InitialReleaseRate
	if initial == nil {
		initial = new(big.Int)
	}
	return common.BytesToHash(ethcrypto.Keccak256(concatBytes(
		ethcrypto.Keccak256([]byte(v.Kind)),
		bigIntTo32Bytes(new(big.Int).SetUint64(v.StartTimestamp)),
		bigIntTo32Bytes(new(big.Int).SetUint64(v.DurationSeconds)),
		bigIntTo32Bytes(new(big.Int).SetUint64(v.CliffDurationSeconds)),
		bigIntTo32Bytes(new(big.Int).SetUint64(v.EpochDurationSeconds)),
		bigIntTo32Bytes(new(big.Int).SetUint64(v.EpochCount)),
		bigIntTo32Bytes(initial),
	)))
}

// digest computes keccak256(action || chainId || sale || fields...).
func (a *Authorizer) digest(action byte, fields ...[]byte) common.Hash {
	parts := [][]byte{
		{action},
		bigIntTo32Bytes(new(big.Int).SetUint64(a.dc.ChainID)),
		a.dc.Sale.Bytes(),
	}
	parts = append(parts, fields...)
	return common.BytesToHash(ethcrypto.Keccak256(concatBytes(parts...)))
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
