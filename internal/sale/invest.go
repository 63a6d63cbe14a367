package sale

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	saleScrypto "github.com/legionfi/salescore/internal/crypto"
	"github.com/legionfi/salescore/internal/domain"
)

// InvestParams carries one invest action. Cap and AllocationRate are bound
// into the signed authorization; SealedBid is required on sealed-bid sales
// and rejected elsewhere.
type InvestParams struct {
	Investor       common.Address
	Amount         *big.Int
	Cap            *big.Int
	AllocationRate *big.Int
	SealedBid      *domain.SealedBid
	Signature      []byte
}

// Invest accepts capital from an investor, minting or topping up their
// position. The capital moves into escrow before any ledger mutation, so a
// vault failure leaves the sale untouched.
func (e *Engine) Invest(ctx context.Context, p InvestParams) (*domain.InvestorPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if e.status.IsCanceled {
		return nil, domain.ErrSaleIsCanceled
	}
	if e.saleEnded(now) {
		return nil, domain.ErrSaleHasEnded
	}
	if p.Investor == (common.Address{}) {
		return nil, domain.ErrZeroAddressProvided
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, domain.ErrZeroAmountProvided
	}
	if p.Amount.Cmp(e.cfg.MinimumInvest) < 0 {
		return nil, fmt.Errorf("invest: amount %s below minimum %s: %w",
			p.Amount, e.cfg.MinimumInvest, domain.ErrInvalidPositionAmount)
	}

	digest := e.auth.InvestDigest(p.Investor, orZero(p.Cap), orZero(p.AllocationRate))
	if err := e.auth.Verify("invest", digest, p.Signature, e.platform.Signer); err != nil {
		return nil, err
	}
	if e.signatureUsed(p.Signature) {
		return nil, domain.ErrSignatureAlreadyUsed
	}

	existing := e.ledger.Get(p.Investor)
	if existing != nil && existing.HasRefunded {
		return nil, domain.ErrInvestorHasRefunded
	}

	newTotal := new(big.Int).Set(p.Amount)
	if existing != nil {
		newTotal.Add(newTotal, existing.InvestedCapital)
	}
	if p.Cap != nil && p.Cap.Sign() > 0 && newTotal.Cmp(p.Cap) > 0 {
		return nil, fmt.Errorf("invest: total %s exceeds cap %s: %w",
			newTotal, p.Cap, domain.ErrInvalidPositionAmount)
	}

	if e.cfg.Kind == domain.SaleKindSealedBid {
		if p.SealedBid == nil || p.SealedBid.Cipher == nil {
			return nil, fmt.Errorf("invest: missing sealed bid: %w", domain.ErrInvalidBidPublicKey)
		}
		if err := saleScrypto.VerifyBidPublicKey(p.SealedBid.PublicKey, e.cfg.BidPublicKey); err != nil {
			return nil, err
		}
	} else if p.SealedBid != nil {
		return nil, fmt.Errorf("invest: sealed bid on %s sale: %w", e.cfg.Kind, domain.ErrInvalidBidPublicKey)
	}

	if err := e.vault.Transfer(ctx, e.cfg.BidToken, p.Investor, e.escrow, p.Amount); err != nil {
		return nil, fmt.Errorf("invest: transfer capital: %w", err)
	}

	pos := e.ledger.GetOrMint(p.Investor)
	pos.InvestedCapital.Set(newTotal)
	pos.CachedInvestedCapital.Set(newTotal)
	pos.CachedAllocationRate = orZero(p.AllocationRate)
	if p.SealedBid != nil {
		// A later bid replaces the earlier cipher; only the last sealed bid
		// counts at reveal time.
		pos.SealedBid = &domain.SealedBid{
			Cipher:    new(big.Int).Set(p.SealedBid.Cipher),
			PublicKey: p.SealedBid.PublicKey,
		}
	}
	e.status.TotalCapitalRaised.Add(e.status.TotalCapitalRaised, p.Amount)
	e.markSignatureUsed(p.Signature)

	return pos.Clone(), nil
}

// Refund returns an investor's full invested capital during the refund
// window. Once per position; a refunded position is economically dead.
func (e *Engine) Refund(ctx context.Context, investor common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if e.status.IsCanceled {
		return nil, domain.ErrSaleIsCanceled
	}
	if !e.saleEnded(now) {
		return nil, domain.ErrSaleHasNotEnded
	}
	if now >= e.refundEnd() {
		return nil, domain.ErrRefundPeriodIsOver
	}

	pos := e.ledger.Get(investor)
	if pos == nil {
		return nil, domain.ErrInvestorPositionDoesNotExist
	}
	if pos.HasRefunded {
		return nil, domain.ErrInvestorHasRefunded
	}
	if pos.HasClaimedExcess {
		return nil, domain.ErrInvestorHasClaimedExcess
	}
	if pos.InvestedCapital.Sign() == 0 {
		return nil, fmt.Errorf("refund: %w", domain.ErrZeroAmountProvided)
	}

	amount := new(big.Int).Set(pos.InvestedCapital)
	if err := e.vault.Transfer(ctx, e.cfg.BidToken, e.escrow, investor, amount); err != nil {
		return nil, fmt.Errorf("refund: transfer capital: %w", err)
	}

	pos.HasRefunded = true
	pos.InvestedCapital.SetUint64(0)
	e.status.TotalCapitalRaised.Sub(e.status.TotalCapitalRaised, amount)

	return amount, nil
}

// ExcessParams authorizes keeping only CappedAmount of invested capital and
// withdrawing the remainder. Exactly one of Signature (pre-liquid sales) or
// Proof (Merkle-gated sales) applies, fixed by the sale kind.
type ExcessParams struct {
	Investor     common.Address
	CappedAmount *big.Int
	Signature    []byte
	Proof        []common.Hash
}

// WithdrawExcessInvestedCapital pays back invested capital above the
// authorized cap. Once per investor; the claim is recorded in an append-only
// set that survives position transfers.
func (e *Engine) WithdrawExcessInvestedCapital(ctx context.Context, p ExcessParams) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.IsCanceled {
		return nil, domain.ErrSaleIsCanceled
	}
	if _, claimed := e.usedExcessClaims[p.Investor]; claimed {
		return nil, domain.ErrExcessAlreadyClaimed
	}

	pos := e.ledger.Get(p.Investor)
	if pos == nil {
		return nil, domain.ErrInvestorPositionDoesNotExist
	}
	if pos.HasRefunded {
		return nil, domain.ErrInvestorHasRefunded
	}
	if pos.HasClaimedExcess {
		return nil, domain.ErrExcessAlreadyClaimed
	}

	capped := orZero(p.CappedAmount)
	switch e.cfg.Kind {
	case domain.SaleKindPreLiquid:
		digest := e.auth.ExcessDigest(p.Investor, capped)
		if err := e.auth.Verify("withdrawExcessInvestedCapital", digest, p.Signature, e.platform.Signer); err != nil {
			return nil, err
		}
		if e.signatureUsed(p.Signature) {
			return nil, domain.ErrSignatureAlreadyUsed
		}
	default:
		if !saleScrypto.VerifyAmountProof(e.status.AcceptedCapitalRoot, p.Investor, capped, p.Proof) {
			return nil, domain.ErrInvalidMerkleProof
		}
	}

	excess := new(big.Int).Sub(pos.InvestedCapital, capped)
	if excess.Sign() <= 0 {
		return nil, domain.ErrInvestorHasNoExcessCapital
	}

	if err := e.vault.Transfer(ctx, e.cfg.BidToken, e.escrow, p.Investor, excess); err != nil {
		return nil, fmt.Errorf("withdraw excess: transfer capital: %w", err)
	}

	pos.InvestedCapital.Set(capped)
	pos.CachedInvestedCapital.Set(capped)
	pos.HasClaimedExcess = true
	e.usedExcessClaims[p.Investor] = struct{}{}
	if e.cfg.Kind == domain.SaleKindPreLiquid {
		e.markSignatureUsed(p.Signature)
	}
	e.status.TotalCapitalRaised.Sub(e.status.TotalCapitalRaised, excess)

	return excess, nil
}

// WithdrawInvestedCapitalIfCanceled returns whatever capital remains in an
// investor's position after the sale has been canceled.
func (e *Engine) WithdrawInvestedCapitalIfCanceled(ctx context.Context, investor common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.status.IsCanceled {
		return nil, domain.ErrSaleIsNotCanceled
	}

	pos := e.ledger.Get(investor)
	if pos == nil {
		return nil, domain.ErrInvestorPositionDoesNotExist
	}
	if pos.InvestedCapital.Sign() == 0 {
		return nil, fmt.Errorf("withdraw on cancel: %w", domain.ErrZeroAmountProvided)
	}

	amount := new(big.Int).Set(pos.InvestedCapital)
	if err := e.vault.Transfer(ctx, e.cfg.BidToken, e.escrow, investor, amount); err != nil {
		return nil, fmt.Errorf("withdraw on cancel: transfer capital: %w", err)
	}

	pos.InvestedCapital.SetUint64(0)
	e.status.TotalCapitalRaised.Sub(e.status.TotalCapitalRaised, amount)

	return amount, nil
}
