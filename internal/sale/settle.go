package sale

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	saleScrypto "github.com/legionfi/salescore/internal/crypto"
	"github.com/legionfi/salescore/internal/domain"
)

// PublishRaisedCapital records the authoritative raised-capital total once
// the refund window has closed. Platform admin only, once per sale.
func (e *Engine) PublishRaisedCapital(ctx context.Context, caller common.Address, total *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireCapability("publishRaisedCapital", domain.CapPlatformAdmin, caller); err != nil {
		return err
	}
	if e.status.IsCanceled {
		return domain.ErrSaleIsCanceled
	}
	now := e.clock.Now()
	if !e.saleEnded(now) {
		return domain.ErrSaleHasNotEnded
	}
	if now < e.refundEnd() {
		return domain.ErrRefundPeriodIsNotOver
	}
	if e.status.CapitalRaisedPublished {
		return domain.ErrCapitalRaisedAlreadyPublished
	}
	if total == nil || total.Sign() <= 0 {
		return domain.ErrZeroAmountProvided
	}

	e.status.TotalCapitalRaised.Set(total)
	e.status.CapitalRaisedPublished = true
	return nil
}

// ResultsParams carries the post-sale settlement data the platform publishes.
// CapitalRaised and AcceptedCapitalRoot are optional; RevealedPrivateKey and
// SaltConstant apply to sealed-bid sales only.
type ResultsParams struct {
	ClaimTokensRoot     common.Hash
	AcceptedCapitalRoot *common.Hash
	TokensAllocated     *big.Int
	CapitalRaised       *big.Int
	AskToken            common.Address

	RevealedPrivateKey *big.Int
	SaltConstant       *common.Hash
}

// PublishSaleResults finalizes allocations. For sealed-bid sales the revealed
// private key is validated against the registered public key before anything
// is stored, so an incorrect key can never be published.
func (e *Engine) PublishSaleResults(ctx context.Context, caller common.Address, p ResultsParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireCapability("publishSaleResults", domain.CapPlatformAdmin, caller); err != nil {
		return err
	}
	if e.status.IsCanceled {
		return domain.ErrSaleIsCanceled
	}
	now := e.clock.Now()
	if !e.saleEnded(now) {
		return domain.ErrSaleHasNotEnded
	}
	if now < e.refundEnd() {
		return domain.ErrRefundPeriodIsNotOver
	}
	if e.status.ResultsPublished {
		return domain.ErrSaleResultsAlreadyPublished
	}
	if p.TokensAllocated == nil || p.TokensAllocated.Sign() <= 0 {
		return domain.ErrZeroAmountProvided
	}
	if p.AskToken == (common.Address{}) && e.status.AskToken == (common.Address{}) {
		return domain.ErrZeroAddressProvided
	}

	if e.cfg.Kind == domain.SaleKindSealedBid {
		if p.RevealedPrivateKey == nil {
			return domain.ErrInvalidBidPrivateKey
		}
		if err := saleScrypto.ValidateRevealedKey(p.RevealedPrivateKey, e.cfg.BidPublicKey); err != nil {
			return err
		}
		e.status.RevealedPrivateKey = new(big.Int).Set(p.RevealedPrivateKey)
		if p.SaltConstant != nil {
			e.status.SaltConstant = *p.SaltConstant
		}
	}

	e.status.ClaimTokensRoot = p.ClaimTokensRoot
	if p.AcceptedCapitalRoot != nil && e.status.AcceptedCapitalRoot == (common.Hash{}) {
		e.status.AcceptedCapitalRoot = *p.AcceptedCapitalRoot
	}
	e.status.TotalTokensAllocated.Set(p.TokensAllocated)
	if p.CapitalRaised != nil {
		e.status.TotalCapitalRaised.Set(p.CapitalRaised)
		e.status.CapitalRaisedPublished = true
	}
	if p.AskToken != (common.Address{}) {
		e.status.AskToken = p.AskToken
	}
	e.status.ResultsPublished = true
	return nil
}

// SetAcceptedCapital publishes the capped-accepted-capital Merkle root. Set
// exactly once, immutable thereafter.
func (e *Engine) SetAcceptedCapital(ctx context.Context, caller common.Address, root common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireCapability("setAcceptedCapital", domain.CapPlatformAdmin, caller); err != nil {
		return err
	}
	if e.status.IsCanceled {
		return domain.ErrSaleIsCanceled
	}
	if e.status.AcceptedCapitalRoot != (common.Hash{}) {
		return domain.ErrAcceptedCapitalAlreadySet
	}
	if root == (common.Hash{}) {
		return domain.ErrZeroAmountProvided
	}

	e.status.AcceptedCapitalRoot = root
	return nil
}

// SupplyTokens moves the full allocation plus both fees from the project into
// escrow and pays the fees out. The caller-supplied fee values must equal the
// recomputed basis-point values exactly.
func (e *Engine) SupplyTokens(ctx context.Context, caller common.Address, amount, legionFee, referrerFee *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireCapability("supplyTokens", domain.CapProjectAdmin, caller); err != nil {
		return err
	}
	if e.status.IsCanceled {
		return domain.ErrSaleIsCanceled
	}
	if !e.status.ResultsPublished {
		return domain.ErrSaleResultsNotPublished
	}
	if e.status.TokensSupplied {
		return domain.ErrTokensAlreadySupplied
	}
	if amount == nil || amount.Cmp(e.status.TotalTokensAllocated) != 0 {
		return fmt.Errorf("supply tokens: amount %s, allocated %s: %w",
			amount, e.status.TotalTokensAllocated, domain.ErrInvalidTokenAmountSupplied)
	}
	if err := VerifyFee("legion", e.status.TotalTokensAllocated, e.cfg.LegionFeeOnTokensBps, legionFee); err != nil {
		return err
	}
	if err := VerifyFee("referrer", e.status.TotalTokensAllocated, e.cfg.ReferrerFeeOnTokensBps, referrerFee); err != nil {
		return err
	}

	askToken := e.status.AskToken
	supplied := new(big.Int).Add(amount, legionFee)
	supplied.Add(supplied, referrerFee)
	if err := e.vault.Transfer(ctx, askToken, e.cfg.ProjectAdmin, e.escrow, supplied); err != nil {
		return fmt.Errorf("supply tokens: transfer in: %w", err)
	}
	if legionFee.Sign() > 0 {
		if err := e.vault.Transfer(ctx, askToken, e.escrow, e.platform.FeeReceiver, legionFee); err != nil {
			return fmt.Errorf("supply tokens: legion fee: %w", err)
		}
	}
	if referrerFee.Sign() > 0 {
		if err := e.vault.Transfer(ctx, askToken, e.escrow, e.cfg.ReferrerFeeReceiver, referrerFee); err != nil {
			return fmt.Errorf("supply tokens: referrer fee: %w", err)
		}
	}

	e.status.TokensSupplied = true
	return nil
}

// WithdrawRaisedCapital pays the project the published raised capital minus
// both capital fees (recomputed here, never caller-supplied). Once per sale,
// only after the refund window closes.
func (e *Engine) WithdrawRaisedCapital(ctx context.Context, caller common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireCapability("withdrawRaisedCapital", domain.CapProjectAdmin, caller); err != nil {
		return nil, err
	}
	if e.status.IsCanceled {
		return nil, domain.ErrSaleIsCanceled
	}
	now := e.clock.Now()
	if !e.saleEnded(now) {
		return nil, domain.ErrSaleHasNotEnded
	}
	if now < e.refundEnd() {
		return nil, domain.ErrRefundPeriodIsNotOver
	}
	if !e.status.CapitalRaisedPublished {
		return nil, domain.ErrCapitalRaisedNotPublished
	}
	if e.status.CapitalWithdrawn {
		return nil, domain.ErrCapitalAlreadyWithdrawn
	}

	raised := e.status.TotalCapitalRaised
	legionFee := CalculateFee(raised, e.cfg.LegionFeeOnCapitalBps)
	referrerFee := CalculateFee(raised, e.cfg.ReferrerFeeOnCapitalBps)
	net := new(big.Int).Sub(raised, legionFee)
	net.Sub(net, referrerFee)
	if net.Sign() <= 0 {
		return nil, domain.ErrCapitalNotRaised
	}

	if err := e.vault.Transfer(ctx, e.cfg.BidToken, e.escrow, e.cfg.ProjectAdmin, net); err != nil {
		return nil, fmt.Errorf("withdraw capital: transfer to project: %w", err)
	}
	if legionFee.Sign() > 0 {
		if err := e.vault.Transfer(ctx, e.cfg.BidToken, e.escrow, e.platform.FeeReceiver, legionFee); err != nil {
			return nil, fmt.Errorf("withdraw capital: legion fee: %w", err)
		}
	}
	if referrerFee.Sign() > 0 {
		if err := e.vault.Transfer(ctx, e.cfg.BidToken, e.escrow, e.cfg.ReferrerFeeReceiver, referrerFee); err != nil {
			return nil, fmt.Errorf("withdraw capital: referrer fee: %w", err)
		}
	}

	e.status.CapitalWithdrawn = true
	e.status.TotalCapitalWithdrawn.Set(net)
	return net, nil
}

// ClaimParams carries one token-allocation claim. Signature is the platform
// signer's approval of the amount and vesting config and is required on every
// sale kind; Proof additionally gates the amount on Merkle-gated sales.
type ClaimParams struct {
	Investor  common.Address
	Amount    *big.Int
	Vesting   domain.VestingConfig
	Signature []byte
	Proof     []common.Hash
}

// ClaimTokenAllocation settles an investor: the initial-release fraction is
// paid out immediately and the residual is seeded into a freshly instantiated
// investor-owned vesting holder. Once per position.
func (e *Engine) ClaimTokenAllocation(ctx context.Context, p ClaimParams) (*domain.InvestorPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.IsCanceled {
		return nil, domain.ErrSaleIsCanceled
	}
	if !e.status.TokensSupplied {
		return nil, domain.ErrTokensNotSupplied
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, domain.ErrZeroAmountProvided
	}

	pos := e.ledger.Get(p.Investor)
	if pos == nil {
		return nil, domain.ErrInvestorPositionDoesNotExist
	}
	if pos.HasRefunded {
		return nil, domain.ErrInvestorHasRefunded
	}
	if pos.HasSettled {
		return nil, domain.ErrAlreadySettled
	}

	now := e.clock.Now()
	if err := ValidateVestingConfig(p.Vesting, now); err != nil {
		return nil, err
	}

	// The claim digest binds the vesting config hash, so the signer approval
	// is required on every kind: the Merkle leaf covers only the amount and
	// must not let an investor self-select a vesting config.
	digest := e.auth.ClaimDigest(p.Investor, p.Amount, p.Vesting)
	if err := e.auth.Verify("claimTokenAllocation", digest, p.Signature, e.platform.Signer); err != nil {
		return nil, err
	}
	if e.signatureUsed(p.Signature) {
		return nil, domain.ErrSignatureAlreadyUsed
	}
	if e.cfg.Kind != domain.SaleKindPreLiquid {
		if !saleScrypto.VerifyAmountProof(e.status.ClaimTokensRoot, p.Investor, p.Amount, p.Proof) {
			return nil, domain.ErrInvalidMerkleProof
		}
	}

	initial, residual := InitialRelease(p.Amount, p.Vesting.InitialReleaseRate)
	if initial.Sign() > 0 {
		if err := e.vault.Transfer(ctx, e.status.AskToken, e.escrow, p.Investor, initial); err != nil {
			return nil, fmt.Errorf("claim: initial release: %w", err)
		}
	}

	vestingID := fmt.Sprintf("%s/%d", e.cfg.ID, pos.ID)
	e.vestings[vestingID] = NewSchedule(vestingID, p.Investor, p.Vesting, residual)
	pos.VestingID = vestingID
	pos.HasSettled = true
	e.markSignatureUsed(p.Signature)

	return pos.Clone(), nil
}

// ReleaseVestedTokens pays out whatever is currently releasable from the
// investor's vesting holder and advances the released counter. Idempotent at
// zero: calling again immediately pays nothing and is not an error.
func (e *Engine) ReleaseVestedTokens(ctx context.Context, investor common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.ledger.Get(investor)
	if pos == nil || pos.VestingID == "" {
		return nil, domain.ErrVestingDoesNotExist
	}
	sched := e.vestings[pos.VestingID]

	releasable := sched.ReleasableAt(e.clock.Now())
	if releasable.Sign() == 0 {
		return new(big.Int), nil
	}

	if err := e.vault.Transfer(ctx, e.status.AskToken, e.escrow, investor, releasable); err != nil {
		return nil, fmt.Errorf("release vested: %w", err)
	}

	sched.Released.Add(sched.Released, releasable)
	return releasable, nil
}

// DecryptSealedBid recovers an investor's bid amount after the private key
// has been revealed. Read-only and idempotent; it never mutates the ledger.
func (e *Engine) DecryptSealedBid(investor common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.Kind != domain.SaleKindSealedBid {
		return nil, domain.ErrInvalidSaleKind
	}
	if e.status.RevealedPrivateKey == nil {
		return nil, domain.ErrPrivateKeyNotPublished
	}

	pos := e.ledger.Get(investor)
	if pos == nil || pos.SealedBid == nil {
		return nil, domain.ErrInvestorPositionDoesNotExist
	}

	return saleScrypto.DecryptBid(pos.SealedBid.Cipher, e.status.RevealedPrivateKey, investor, e.status.SaltConstant), nil
}
