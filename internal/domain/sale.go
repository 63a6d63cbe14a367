// Package domain holds the core sale-settlement types and the interfaces the
// storage, transport, and crypto layers are wired through.
package domain

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SaleKind selects the sale variant; it fixes the authorization path for
// excess and claim operations for the lifetime of the sale.
type SaleKind string

const (
	// SaleKindPreLiquid authorizes excess withdrawals and claims with
	// platform-signer signatures.
	SaleKindPreLiquid SaleKind = "pre-liquid"

	// SaleKindSealedBid collects encrypted bid amounts and authorizes
	// post-sale operations with Merkle proofs.
	SaleKindSealedBid SaleKind = "sealed-bid"

	// SaleKindOpenApplication is an open sale that authorizes post-sale
	// operations with Merkle proofs.
	SaleKindOpenApplication SaleKind = "open-application"
)

// Valid reports whether k is one of the defined sale kinds.
func (k SaleKind) Valid() bool {
	switch k {
	case SaleKindPreLiquid, SaleKindSealedBid, SaleKindOpenApplication:
		return true
	}
	return false
}

// Capability is the privilege level an engine action demands of its caller.
type Capability int

const (
	CapPlatformAdmin Capability = iota
	CapProjectAdmin
	CapEitherAdmin
)

// String names the capability for error messages.
func (c Capability) String() string {
	switch c {
	case CapPlatformAdmin:
		return "platform-admin"
	case CapProjectAdmin:
		return "project-admin"
	case CapEitherAdmin:
		return "either-admin"
	}
	return "unknown"
}

// MaxBps is the fee-basis-point denominator: 10,000 bps = 100%.
const MaxBps uint64 = 10_000

// Registry keys the platform addresses are published under.
const (
	RegistryKeyAdmin       = "LEGION_ADMIN"
	RegistryKeySigner      = "LEGION_SIGNER"
	RegistryKeyFeeReceiver = "LEGION_FEE_RECEIVER"
)

// PlatformAddresses is the per-sale snapshot of the platform's privileged
// addresses. It only changes through an explicit registry sync.
type PlatformAddresses struct {
	Admin       common.Address
	Signer      common.Address
	FeeReceiver common.Address
}

// SaleConfig is the immutable configuration fixed at sale creation.
type SaleConfig struct {
	ID   string
	Kind SaleKind

	SalePeriodSeconds   uint64
	RefundPeriodSeconds uint64

	MinimumInvest *big.Int
	BidToken      common.Address
	AskToken      common.Address

	LegionFeeOnCapitalBps   uint64
	LegionFeeOnTokensBps    uint64
	ReferrerFeeOnCapitalBps uint64
	ReferrerFeeOnTokensBps  uint64

	ProjectAdmin        common.Address
	ReferrerFeeReceiver common.Address

	StartTimestamp     uint64
	EndTimestamp       uint64
	RefundEndTimestamp uint64

	// BidPublicKey is the auction encryption key. Sealed-bid sales only.
	BidPublicKey *ecdsa.PublicKey
}

// SaleStatus is the mutable half of a sale. All lifecycle flags are one-way:
// once set they are never cleared, except TotalCapitalWithdrawn which a
// cancellation resets after the project returns the funds.
type SaleStatus struct {
	// AskToken may be unknown at creation and set when results publish.
	AskToken common.Address

	TotalTokensAllocated  *big.Int
	TotalCapitalRaised    *big.Int
	TotalCapitalWithdrawn *big.Int

	AcceptedCapitalRoot common.Hash
	ClaimTokensRoot     common.Hash

	// Sealed-bid reveal state.
	SaltConstant       common.Hash
	RevealedPrivateKey *big.Int

	HasEnded bool
	EndedAt  uint64

	IsCanceled             bool
	ResultsPublished       bool
	CapitalRaisedPublished bool
	TokensSupplied         bool
	CapitalWithdrawn       bool
}

// NewSaleStatus returns a zeroed status with all big integers allocated.
func NewSaleStatus() SaleStatus {
	return SaleStatus{
		TotalTokensAllocated:  new(big.Int),
		TotalCapitalRaised:    new(big.Int),
		TotalCapitalWithdrawn: new(big.Int),
	}
}
