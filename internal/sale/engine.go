// Package sale implements the per-sale settlement engine: the lifecycle state
// machine, the investor position ledger, fee and vesting arithmetic, and the
// transfer/merge logic. The engine is pure state plus an injected clock,
// token vault and address registry; persistence and event publication live in
// the service layer above it.
package sale

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	saleScrypto "github.com/legionfi/salescore/internal/crypto"
	"github.com/legionfi/salescore/internal/domain"
)

// Period bounds enforced at sale creation.
const (
	minSalePeriodSeconds   uint64 = 3_600
	maxSalePeriodSeconds   uint64 = 12 * 7 * 24 * 3_600
	minRefundPeriodSeconds uint64 = 3_600
	maxRefundPeriodSeconds uint64 = 2 * 7 * 24 * 3_600
)

// CreateParams is everything needed to instantiate a sale.
type CreateParams struct {
	ID   string
	Kind domain.SaleKind

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

	// Sealed-bid sales only.
	BidPublicKey *ecdsa.PublicKey
	SaltConstant common.Hash
}

// Deps are the external collaborators injected into every engine.
type Deps struct {
	Clock    domain.Clock
	Vault    domain.TokenVault
	Registry domain.AddressRegistry
	Platform domain.PlatformAddresses
	ChainID  uint64
}

// Engine is the lifecycle controller for a single sale. Every action runs to
// full completion under the engine mutex; a failed action has no side
// effects (all external transfers happen before any in-memory mutation).
type Engine struct {
	mu sync.Mutex

	cfg    domain.SaleConfig
	status domain.SaleStatus

	ledger   *Ledger
	auth     *saleScrypto.Authorizer
	platform domain.PlatformAddresses

	clock    domain.Clock
	vault    domain.TokenVault
	registry domain.AddressRegistry

	escrow common.Address

	usedSignatures   map[common.Hash]struct{}
	usedExcessClaims map[common.Address]struct{}
	vestings         map[string]*Schedule
}

// NewEngine validates params and builds a sale in the Active state.
func NewEngine(p CreateParams, deps Deps) (*Engine, error) {
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("sale: kind %q: %w", p.Kind, domain.ErrInvalidSaleKind)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("sale: empty id: %w", domain.ErrZeroAmountProvided)
	}
	if p.SalePeriodSeconds < minSalePeriodSeconds || p.SalePeriodSeconds > maxSalePeriodSeconds {
		return nil, fmt.Errorf("sale: sale period %ds: %w", p.SalePeriodSeconds, domain.ErrInvalidPeriodConfig)
	}
	if p.RefundPeriodSeconds < minRefundPeriodSeconds || p.RefundPeriodSeconds > maxRefundPeriodSeconds {
		return nil, fmt.Errorf("sale: refund period %ds: %w", p.RefundPeriodSeconds, domain.ErrInvalidPeriodConfig)
	}
	for _, bps := range []uint64{
		p.LegionFeeOnCapitalBps, p.LegionFeeOnTokensBps,
		p.ReferrerFeeOnCapitalBps, p.ReferrerFeeOnTokensBps,
	} {
		if bps > domain.MaxBps {
			return nil, fmt.Errorf("sale: fee %d bps: %w", bps, domain.ErrInvalidFeeBps)
		}
	}
	if p.BidToken == (common.Address{}) || p.ProjectAdmin == (common.Address{}) {
		return nil, fmt.Errorf("sale: %w", domain.ErrZeroAddressProvided)
	}
	if p.Kind == domain.SaleKindSealedBid {
		if err := saleScrypto.ValidatePublicKey(p.BidPublicKey); err != nil {
			return nil, fmt.Errorf("sale: bid public key: %w", err)
		}
	}

	now := deps.Clock.Now()
	cfg := domain.SaleConfig{
		ID:                      p.ID,
		Kind:                    p.Kind,
		SalePeriodSeconds:       p.SalePeriodSeconds,
		RefundPeriodSeconds:     p.RefundPeriodSeconds,
		MinimumInvest:           orZero(p.MinimumInvest),
		BidToken:                p.BidToken,
		AskToken:                p.AskToken,
		LegionFeeOnCapitalBps:   p.LegionFeeOnCapitalBps,
		LegionFeeOnTokensBps:    p.LegionFeeOnTokensBps,
		ReferrerFeeOnCapitalBps: p.ReferrerFeeOnCapitalBps,
		ReferrerFeeOnTokensBps:  p.ReferrerFeeOnTokensBps,
		ProjectAdmin:            p.ProjectAdmin,
		ReferrerFeeReceiver:     p.ReferrerFeeReceiver,
		StartTimestamp:          now,
		EndTimestamp:            now + p.SalePeriodSeconds,
		RefundEndTimestamp:      now + p.SalePeriodSeconds + p.RefundPeriodSeconds,
		BidPublicKey:            p.BidPublicKey,
	}

	status := domain.NewSaleStatus()
	status.AskToken = p.AskToken
	status.SaltConstant = p.SaltConstant

	return &Engine{
		cfg:              cfg,
		status:           status,
		ledger:           NewLedger(),
		auth:             saleScrypto.NewAuthorizer(saleScrypto.NewDomainContext(deps.ChainID, p.ID)),
		platform:         deps.Platform,
		clock:            deps.Clock,
		vault:            deps.Vault,
		registry:         deps.Registry,
		escrow:           common.BytesToAddress(ethcrypto.Keccak256([]byte(p.ID))[12:]),
		usedSignatures:   make(map[common.Hash]struct{}),
		usedExcessClaims: make(map[common.Address]struct{}),
		vestings:         make(map[string]*Schedule),
	}, nil
}

// ---------------------------------------------------------------------------
// Read-only views
// ---------------------------------------------------------------------------

// Config returns the immutable sale configuration.
func (e *Engine) Config() domain.SaleConfig {
	return e.cfg
}

// Status returns a snapshot of the mutable sale status.
func (e *Engine) Status() domain.SaleStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotStatus()
}

// Snapshot bundles config and status for persistence and API views.
func (e *Engine) Snapshot() domain.SaleSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.SaleSnapshot{Config: e.cfg, Status: e.snapshotStatus()}
}

// Position returns a copy of investor's position.
func (e *Engine) Position(investor common.Address) (*domain.InvestorPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.ledger.Get(investor)
	if p == nil {
		return nil, domain.ErrInvestorPositionDoesNotExist
	}
	return p.Clone(), nil
}

// Positions returns copies of every position in the ledger.
func (e *Engine) Positions() []*domain.InvestorPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.InvestorPosition, 0)
	for _, p := range e.ledger.All() {
		out = append(out, p.Clone())
	}
	return out
}

// VestingStatus evaluates investor's vesting holder at the current clock.
func (e *Engine) VestingStatus(investor common.Address) (domain.VestingStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.ledger.Get(investor)
	if p == nil || p.VestingID == "" {
		return domain.VestingStatus{}, domain.ErrVestingDoesNotExist
	}
	return e.vestings[p.VestingID].StatusAt(e.clock.Now()), nil
}

// EscrowAddress is the sale-owned account all capital and tokens move
// through, derived deterministically from the sale id.
func (e *Engine) EscrowAddress() common.Address {
	return e.escrow
}

// ---------------------------------------------------------------------------
// Lifecycle transitions
// ---------------------------------------------------------------------------

// End closes the sale. Callable once, by either admin, and irreversible; it
// starts the refund-period clock.
func (e *Engine) End(ctx context.Context, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireCapability("end", domain.CapEitherAdmin, caller); err != nil {
		return err
	}
	if e.status.IsCanceled {
		return domain.ErrSaleIsCanceled
	}
	if e.status.HasEnded {
		return domain.ErrSaleHasEnded
	}

	now := e.clock.Now()
	e.status.HasEnded = true
	e.status.EndedAt = now
	return nil
}

// Cancel permanently cancels the sale. Callable by the project admin any time
// before tokens are supplied. If raised capital was already withdrawn, the
// project must return it within this action for the cancellation to succeed.
func (e *Engine) Cancel(ctx context.Context, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireCapability("cancel", domain.CapProjectAdmin, caller); err != nil {
		return err
	}
	if e.status.IsCanceled {
		return domain.ErrSaleIsCanceled
	}
	if e.status.TokensSupplied {
		return domain.ErrTokensAlreadySupplied
	}

	if e.status.TotalCapitalWithdrawn.Sign() > 0 {
		returned := new(big.Int).Set(e.status.TotalCapitalWithdrawn)
		if err := e.vault.Transfer(ctx, e.cfg.BidToken, e.cfg.ProjectAdmin, e.escrow, returned); err != nil {
			return fmt.Errorf("sale: return withdrawn capital: %w", err)
		}
		e.status.TotalCapitalWithdrawn.SetUint64(0)
		e.status.CapitalWithdrawn = false
	}

	e.status.IsCanceled = true
	return nil
}

// SyncAddresses refreshes the platform address snapshot from the injected
// registry. Idempotent.
func (e *Engine) SyncAddresses(ctx context.Context, caller common.Address) (domain.PlatformAddresses, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireCapability("syncLegionAddresses", domain.CapPlatformAdmin, caller); err != nil {
		return domain.PlatformAddresses{}, err
	}

	admin, err := e.registry.Address(ctx, domain.RegistryKeyAdmin)
	if err != nil {
		return domain.PlatformAddresses{}, fmt.Errorf("sale: sync admin address: %w", err)
	}
	signer, err := e.registry.Address(ctx, domain.RegistryKeySigner)
	if err != nil {
		return domain.PlatformAddresses{}, fmt.Errorf("sale: sync signer address: %w", err)
	}
	feeReceiver, err := e.registry.Address(ctx, domain.RegistryKeyFeeReceiver)
	if err != nil {
		return domain.PlatformAddresses{}, fmt.Errorf("sale: sync fee receiver address: %w", err)
	}

	e.platform = domain.PlatformAddresses{Admin: admin, Signer: signer, FeeReceiver: feeReceiver}
	return e.platform, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (e *Engine) snapshotStatus() domain.SaleStatus {
	st := e.status
	st.TotalTokensAllocated = new(big.Int).Set(e.status.TotalTokensAllocated)
	st.TotalCapitalRaised = new(big.Int).Set(e.status.TotalCapitalRaised)
	st.TotalCapitalWithdrawn = new(big.Int).Set(e.status.TotalCapitalWithdrawn)
	if e.status.RevealedPrivateKey != nil {
		st.RevealedPrivateKey = new(big.Int).Set(e.status.RevealedPrivateKey)
	}
	return st
}

// saleEnded reports whether the sale has closed, either explicitly or by the
// configured end timestamp elapsing.
func (e *Engine) saleEnded(now uint64) bool {
	return e.status.HasEnded || now >= e.cfg.EndTimestamp
}

// refundEnd is the close of the refund window. An explicit End() restarts the
// refund clock from the moment the sale actually ended.
func (e *Engine) refundEnd() uint64 {
	if e.status.HasEnded {
		return e.status.EndedAt + e.cfg.RefundPeriodSeconds
	}
	return e.cfg.RefundEndTimestamp
}

func (e *Engine) requireCapability(action string, required domain.Capability, caller common.Address) error {
	ok := false
	switch required {
	case domain.CapPlatformAdmin:
		ok = caller == e.platform.Admin
	case domain.CapProjectAdmin:
		ok = caller == e.cfg.ProjectAdmin
	case domain.CapEitherAdmin:
		ok = caller == e.platform.Admin || caller == e.cfg.ProjectAdmin
	}
	if !ok {
		return &domain.CapabilityError{Action: action, Required: required, Caller: caller}
	}
	return nil
}

// signatureUsed checks the replay set by the hash of the raw signature bytes.
func (e *Engine) signatureUsed(sig []byte) bool {
	_, used := e.usedSignatures[saleScrypto.SignatureHash(sig)]
	return used
}

// markSignatureUsed inserts sig into the append-only used-signature set. It
// runs in the same action that commits the state change, after all
// validation (including the external transfer) has passed.
func (e *Engine) markSignatureUsed(sig []byte) {
	e.usedSignatures[saleScrypto.SignatureHash(sig)] = struct{}{}
}

func orZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(n)
}
