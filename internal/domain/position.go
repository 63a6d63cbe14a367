package domain

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SealedBid is an encrypted investment amount together with the public key it
// was encrypted under. The cipher stays opaque until the sale's private key is
// revealed.
type SealedBid struct {
	Cipher    *big.Int
	PublicKey *ecdsa.PublicKey
}

// InvestorPosition is one investor's stake in a sale, addressed by a unique
// integer id. The id, not the investor address, is the transferable handle.
//
// CachedAllocationRate and CachedInvestedCapital are snapshots taken at invest
// time and validated against later claims; they are recomputed as a weighted
// combination when positions merge.
type InvestorPosition struct {
	ID       uint64
	Investor common.Address

	InvestedCapital       *big.Int
	CachedAllocationRate  *big.Int // tokens per capital unit, 1e18 fixed point
	CachedInvestedCapital *big.Int

	SealedBid *SealedBid // auction sales only

	HasRefunded      bool
	HasClaimedExcess bool
	HasSettled       bool

	// VestingID references the investor-owned vesting holder. Set exactly
	// once on the first successful claim, never cleared.
	VestingID string
}

// NewInvestorPosition returns a fresh position with zeroed amounts.
func NewInvestorPosition(id uint64, investor common.Address) *InvestorPosition {
	return &InvestorPosition{
		ID:                    id,
		Investor:              investor,
		InvestedCapital:       new(big.Int),
		CachedAllocationRate:  new(big.Int),
		CachedInvestedCapital: new(big.Int),
	}
}

// Clone returns a deep copy of the position. Engines hand out clones so
// callers can never mutate ledger state behind the controller's back.
func (p *InvestorPosition) Clone() *InvestorPosition {
	cp := *p
	cp.InvestedCapital = new(big.Int).Set(p.InvestedCapital)
	cp.CachedAllocationRate = new(big.Int).Set(p.CachedAllocationRate)
	cp.CachedInvestedCapital = new(big.Int).Set(p.CachedInvestedCapital)
	if p.SealedBid != nil {
		bid := *p.SealedBid
		bid.Cipher = new(big.Int).Set(p.SealedBid.Cipher)
		cp.SealedBid = &bid
	}
	return &cp
}
