package sale

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legionfi/salescore/internal/domain"
)

// Ledger is the arena of investor positions for one sale: one record per
// investor, addressed both by investor and by the position's integer id. The
// engine is the single writer; the ledger does no locking of its own.
type Ledger struct {
	nextID     uint64
	byInvestor map[common.Address]*domain.InvestorPosition
	owners     map[uint64]common.Address
}

// NewLedger creates an empty ledger. Position ids start at 1; 0 is never a
// valid id.
func NewLedger() *Ledger {
	return &Ledger{
		nextID:     1,
		byInvestor: make(map[common.Address]*domain.InvestorPosition),
		owners:     make(map[uint64]common.Address),
	}
}

// Get returns the position held by investor, or nil.
func (l *Ledger) Get(investor common.Address) *domain.InvestorPosition {
	return l.byInvestor[investor]
}

// GetOrMint returns investor's position, minting a fresh one if none exists.
func (l *Ledger) GetOrMint(investor common.Address) *domain.InvestorPosition {
	if p, ok := l.byInvestor[investor]; ok {
		return p
	}
	p := domain.NewInvestorPosition(l.nextID, investor)
	l.nextID++
	l.byInvestor[investor] = p
	l.owners[p.ID] = investor
	return p
}

// Owner resolves a position id to its current holder.
func (l *Ledger) Owner(id uint64) (common.Address, bool) {
	owner, ok := l.owners[id]
	return owner, ok
}

// All returns every position in the ledger, in unspecified order.
func (l *Ledger) All() []*domain.InvestorPosition {
	out := make([]*domain.InvestorPosition, 0, len(l.byInvestor))
	for _, p := range l.byInvestor {
		out = append(out, p)
	}
	return out
}

// Reassign moves a position to a new holder that has no position of their
// own. The record and its id simply change owner.
func (l *Ledger) Reassign(p *domain.InvestorPosition, to common.Address) {
	delete(l.byInvestor, p.Investor)
	p.Investor = to
	l.byInvestor[to] = p
	l.owners[p.ID] = to
}

// Merge folds src into dst and retires src's id. Invested capital sums; the
// cached allocation rate becomes the weighted combination of both positions
// over their cached invested amounts; replay flags combine so a merged
// position can never redo what either side already did.
func (l *Ledger) Merge(src, dst *domain.InvestorPosition) {
	dst.InvestedCapital.Add(dst.InvestedCapital, src.InvestedCapital)

	dst.CachedAllocationRate = weightedRate(
		dst.CachedAllocationRate, dst.CachedInvestedCapital,
		src.CachedAllocationRate, src.CachedInvestedCapital,
	)
	dst.CachedInvestedCapital.Add(dst.CachedInvestedCapital, src.CachedInvestedCapital)

	dst.HasClaimedExcess = dst.HasClaimedExcess || src.HasClaimedExcess
	dst.HasSettled = dst.HasSettled || src.HasSettled

	delete(l.byInvestor, src.Investor)
	delete(l.owners, src.ID)
}

// weightedRate combines two allocation rates weighted by their cached
// invested amounts. If both weights are zero the destination rate is kept.
func weightedRate(rateA, weightA, rateB, weightB *big.Int) *big.Int {
	totalWeight := new(big.Int).Add(weightA, weightB)
	if totalWeight.Sign() == 0 {
		return new(big.Int).Set(rateA)
	}
	sum := new(big.Int).Mul(rateA, weightA)
	sum.Add(sum, new(big.Int).Mul(rateB, weightB))
	return sum.Div(sum, totalWeight)
}
