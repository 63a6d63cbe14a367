// Package service coordinates sale engines with persistence, the event bus,
// audit logging and settlement archival. Engines remain canonical state;
// stores hold write-behind snapshots and failures on the side channels are
// logged, never propagated into the action result.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legionfi/salescore/internal/domain"
	"github.com/legionfi/salescore/internal/sale"
)

// SaleService owns every sale engine in the process, keyed by sale id.
type SaleService struct {
	mu      sync.RWMutex
	engines map[string]*sale.Engine

	clock    domain.Clock
	vault    domain.TokenVault
	registry domain.AddressRegistry
	platform domain.PlatformAddresses
	chainID  uint64

	sales     domain.SaleStore
	positions domain.PositionStore
	audit     domain.AuditStore
	bus       domain.EventBus
	archiver  domain.Archiver

	logger *slog.Logger
}

// Deps bundles the collaborators a SaleService needs. Sales, Positions,
// Audit, Bus and Archiver may be nil; the service degrades to in-memory-only
// operation for the corresponding concern.
type Deps struct {
	Clock    domain.Clock
	Vault    domain.TokenVault
	Registry domain.AddressRegistry
	Platform domain.PlatformAddresses
	ChainID  uint64

	Sales     domain.SaleStore
	Positions domain.PositionStore
	Audit     domain.AuditStore
	Bus       domain.EventBus
	Archiver  domain.Archiver
}

// NewSaleService creates a SaleService with all required dependencies.
func NewSaleService(d Deps, logger *slog.Logger) *SaleService {
	return &SaleService{
		engines:   make(map[string]*sale.Engine),
		clock:     d.Clock,
		vault:     d.Vault,
		registry:  d.Registry,
		platform:  d.Platform,
		chainID:   d.ChainID,
		sales:     d.Sales,
		positions: d.Positions,
		audit:     d.Audit,
		bus:       d.Bus,
		archiver:  d.Archiver,
		logger:    logger.With(slog.String("component", "sale_service")),
	}
}

// ---------------------------------------------------------------------------
// Sale creation and views
// ---------------------------------------------------------------------------

// CreateSale instantiates a new sale engine in the Active state.
func (s *SaleService) CreateSale(ctx context.Context, p sale.CreateParams) (domain.SaleSnapshot, error) {
	s.mu.Lock()
	if _, exists := s.engines[p.ID]; exists {
		s.mu.Unlock()
		return domain.SaleSnapshot{}, fmt.Errorf("sale_service: sale %q: %w", p.ID, domain.ErrSaleAlreadyExists)
	}

	eng, err := sale.NewEngine(p, sale.Deps{
		Clock:    s.clock,
		Vault:    s.vault,
		Registry: s.registry,
		Platform: s.platform,
		ChainID:  s.chainID,
	})
	if err != nil {
		s.mu.Unlock()
		return domain.SaleSnapshot{}, fmt.Errorf("sale_service: create sale %q: %w", p.ID, err)
	}
	s.engines[p.ID] = eng
	s.mu.Unlock()

	snap := eng.Snapshot()
	s.persistSale(ctx, eng)
	s.publish(ctx, domain.ChannelSales, map[string]any{
		"event":   domain.EventSaleCreated,
		"sale_id": p.ID,
		"kind":    string(p.Kind),
	})
	s.auditLog(ctx, domain.EventSaleCreated, map[string]any{
		"sale_id":       p.ID,
		"kind":          string(p.Kind),
		"project_admin": p.ProjectAdmin.Hex(),
	})

	s.logger.InfoContext(ctx, "sale_service: sale created",
		slog.String("sale_id", p.ID),
		slog.String("kind", string(p.Kind)),
	)
	return snap, nil
}

// Sale returns the current snapshot of a sale.
func (s *SaleService) Sale(saleID string) (domain.SaleSnapshot, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return domain.SaleSnapshot{}, err
	}
	return eng.Snapshot(), nil
}

// Sales returns snapshots of every sale the service manages.
func (s *SaleService) Sales() []domain.SaleSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SaleSnapshot, 0, len(s.engines))
	for _, eng := range s.engines {
		out = append(out, eng.Snapshot())
	}
	return out
}

// Position returns an investor's position in a sale.
func (s *SaleService) Position(saleID string, investor common.Address) (*domain.InvestorPosition, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return nil, err
	}
	return eng.Position(investor)
}

// VestingStatus evaluates an investor's vesting holder at the current clock.
func (s *SaleService) VestingStatus(saleID string, investor common.Address) (domain.VestingStatus, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return domain.VestingStatus{}, err
	}
	return eng.VestingStatus(investor)
}

// ---------------------------------------------------------------------------
// Investor actions
// ---------------------------------------------------------------------------

// Invest accepts capital into a sale.
func (s *SaleService) Invest(ctx context.Context, saleID string, p sale.InvestParams) (*domain.InvestorPosition, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return nil, err
	}
	pos, err := eng.Invest(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("sale_service: invest in %q: %w", saleID, err)
	}

	s.persistSale(ctx, eng)
	s.persistPosition(ctx, saleID, pos)
	s.publish(ctx, domain.ChannelPositions, map[string]any{
		"event":    domain.EventCapitalInvested,
		"sale_id":  saleID,
		"investor": p.Investor.Hex(),
		"amount":   p.Amount.String(),
	})
	s.auditLog(ctx, domain.EventCapitalInvested, map[string]any{
		"sale_id":     saleID,
		"investor":    p.Investor.Hex(),
		"amount":      p.Amount.String(),
		"position_id": pos.ID,
	})

	s.logger.InfoContext(ctx, "sale_service: capital invested",
		slog.String("sale_id", saleID),
		slog.String("investor", p.Investor.Hex()),
		slog.String("amount", p.Amount.String()),
	)
	return pos, nil
}

// Refund returns an investor's invested capital during the refund window.
func (s *SaleService) Refund(ctx context.Context, saleID string, investor common.Address) (*big.Int, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return nil, err
	}
	amount, err := eng.Refund(ctx, investor)
	if err != nil {
		return nil, fmt.Errorf("sale_service: refund in %q: %w", saleID, err)
	}

	s.persistSale(ctx, eng)
	s.persistInvestor(ctx, saleID, eng, investor)
	s.publish(ctx, domain.ChannelPositions, map[string]any{
		"event":    domain.EventCapitalRefunded,
		"sale_id":  saleID,
		"investor": investor.Hex(),
		"amount":   amount.String(),
	})
	s.auditLog(ctx, domain.EventCapitalRefunded, map[string]any{
		"sale_id":  saleID,
		"investor": investor.Hex(),
		"amount":   amount.String(),
	})
	return amount, nil
}

// WithdrawExcess returns capital above the authorized cap.
func (s *SaleService) WithdrawExcess(ctx context.Context, saleID string, p sale.ExcessParams) (*big.Int, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return nil, err
	}
	amount, err := eng.WithdrawExcessInvestedCapital(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("sale_service: withdraw excess in %q: %w", saleID, err)
	}

	s.persistSale(ctx, eng)
	s.persistInvestor(ctx, saleID, eng, p.Investor)
	s.publish(ctx, domain.ChannelPositions, map[string]any{
		"event":    domain.EventExcessCapitalWithdrawn,
		"sale_id":  saleID,
		"investor": p.Investor.Hex(),
		"amount":   amount.String(),
	})
	s.auditLog(ctx, domain.EventExcessCapitalWithdrawn, map[string]any{
		"sale_id":  saleID,
		"investor": p.Investor.Hex(),
		"amount":   amount.String(),
	})
	return amount, nil
}

// WithdrawIfCanceled returns remaining capital after cancellation.
func (s *SaleService) WithdrawIfCanceled(ctx context.Context, saleID string, investor common.Address) (*big.Int, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return nil, err
	}
	amount, err := eng.WithdrawInvestedCapitalIfCanceled(ctx, investor)
	if err != nil {
		return nil, fmt.Errorf("sale_service: withdraw on cancel in %q: %w", saleID, err)
	}

	s.persistSale(ctx, eng)
	s.persistInvestor(ctx, saleID, eng, investor)
	s.publish(ctx, domain.ChannelPositions, map[string]any{
		"event":    domain.EventCapitalWithdrawnOnCancel,
		"sale_id":  saleID,
		"investor": investor.Hex(),
		"amount":   amount.String(),
	})
	s.auditLog(ctx, domain.EventCapitalWithdrawnOnCancel, map[string]any{
		"sale_id":  saleID,
		"investor": investor.Hex(),
		"amount":   amount.String(),
	})
	return amount, nil
}

// Claim settles an investor's token allocation.
func (s *SaleService) Claim(ctx context.Context, saleID string, p sale.ClaimParams) (*domain.InvestorPosition, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return nil, err
	}
	pos, err := eng.ClaimTokenAllocation(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("sale_service: claim in %q: %w", saleID, err)
	}

	s.persistPosition(ctx, saleID, pos)
	s.publish(ctx, domain.ChannelSettlement, map[string]any{
		"event":    domain.EventTokenAllocationClaimed,
		"sale_id":  saleID,
		"investor": p.Investor.Hex(),
		"amount":   p.Amount.String(),
	})
	s.auditLog(ctx, domain.EventTokenAllocationClaimed, map[string]any{
		"sale_id":    saleID,
		"investor":   p.Investor.Hex(),
		"amount":     p.Amount.String(),
		"vesting_id": pos.VestingID,
	})
	return pos, nil
}

// Release pays out the currently releasable vested amount.
func (s *SaleService) Release(ctx context.Context, saleID string, investor common.Address) (*big.Int, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return nil, err
	}
	amount, err := eng.ReleaseVestedTokens(ctx, investor)
	if err != nil {
		return nil, fmt.Errorf("sale_service: release in %q: %w", saleID, err)
	}

	if amount.Sign() > 0 {
		s.publish(ctx, domain.ChannelSettlement, map[string]any{
			"event":    domain.EventVestedTokensReleased,
			"sale_id":  saleID,
			"investor": investor.Hex(),
			"amount":   amount.String(),
		})
		s.auditLog(ctx, domain.EventVestedTokensReleased, map[string]any{
			"sale_id":  saleID,
			"investor": investor.Hex(),
			"amount":   amount.String(),
		})
	}
	return amount, nil
}

// DecryptBid recovers a sealed bid after the reveal key is published.
func (s *SaleService) DecryptBid(saleID string, investor common.Address) (*big.Int, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return nil, err
	}
	return eng.DecryptSealedBid(investor)
}

// ---------------------------------------------------------------------------
// Position transfers
// ---------------------------------------------------------------------------

// TransferPosition moves a position between holders, admin initiated.
func (s *SaleService) TransferPosition(ctx context.Context, saleID string, caller, from, to common.Address, positionID uint64) error {
	eng, err := s.engine(saleID)
	if err != nil {
		return err
	}
	if err := eng.TransferInvestorPosition(ctx, caller, from, to, positionID); err != nil {
		return fmt.Errorf("sale_service: transfer in %q: %w", saleID, err)
	}
	s.finishTransfer(ctx, saleID, eng, from, to, positionID)
	return nil
}

// TransferPositionWithAuthorization moves a position on the owner's signed
// authorization.
func (s *SaleService) TransferPositionWithAuthorization(ctx context.Context, saleID string, from, to common.Address, positionID uint64, sig []byte) error {
	eng, err := s.engine(saleID)
	if err != nil {
		return err
	}
	if err := eng.TransferInvestorPositionWithAuthorization(ctx, from, to, positionID, sig); err != nil {
		return fmt.Errorf("sale_service: transfer in %q: %w", saleID, err)
	}
	s.finishTransfer(ctx, saleID, eng, from, to, positionID)
	return nil
}

// finishTransfer persists the post-transfer ledger. A merge retires the
// source id; a plain reassignment keeps it under the new owner.
func (s *SaleService) finishTransfer(ctx context.Context, saleID string, eng *sale.Engine, from, to common.Address, positionID uint64) {
	event := domain.EventPositionTransferred
	dst, err := eng.Position(to)
	if err == nil {
		s.persistPosition(ctx, saleID, dst)
		if dst.ID != positionID {
			event = domain.EventPositionsMerged
			s.deletePosition(ctx, saleID, positionID)
		}
	}

	s.publish(ctx, domain.ChannelPositions, map[string]any{
		"event":       event,
		"sale_id":     saleID,
		"from":        from.Hex(),
		"to":          to.Hex(),
		"position_id": positionID,
	})
	s.auditLog(ctx, event, map[string]any{
		"sale_id":     saleID,
		"from":        from.Hex(),
		"to":          to.Hex(),
		"position_id": positionID,
	})
}

// ---------------------------------------------------------------------------
// Admin actions
// ---------------------------------------------------------------------------

// End closes a sale and starts the refund clock.
func (s *SaleService) End(ctx context.Context, saleID string, caller common.Address) error {
	return s.adminAction(ctx, saleID, caller, domain.EventSaleEnded, domain.ChannelSales,
		func(eng *sale.Engine) error { return eng.End(ctx, caller) })
}

// Cancel permanently cancels a sale.
func (s *SaleService) Cancel(ctx context.Context, saleID string, caller common.Address) error {
	return s.adminAction(ctx, saleID, caller, domain.EventSaleCanceled, domain.ChannelSales,
		func(eng *sale.Engine) error { return eng.Cancel(ctx, caller) })
}

// PublishRaisedCapital records the authoritative raised-capital total.
func (s *SaleService) PublishRaisedCapital(ctx context.Context, saleID string, caller common.Address, total *big.Int) error {
	return s.adminAction(ctx, saleID, caller, domain.EventCapitalRaisedPublished, domain.ChannelSettlement,
		func(eng *sale.Engine) error { return eng.PublishRaisedCapital(ctx, caller, total) })
}

// PublishSaleResults finalizes allocations and, on success, archives the
// settlement report.
func (s *SaleService) PublishSaleResults(ctx context.Context, saleID string, caller common.Address, p sale.ResultsParams) error {
	err := s.adminAction(ctx, saleID, caller, domain.EventSaleResultsPublished, domain.ChannelSettlement,
		func(eng *sale.Engine) error { return eng.PublishSaleResults(ctx, caller, p) })
	if err != nil {
		return err
	}

	if s.archiver != nil {
		if path, archErr := s.archiver.ArchiveSettlement(ctx, saleID); archErr != nil {
			s.logger.WarnContext(ctx, "sale_service: settlement archive failed",
				slog.String("sale_id", saleID),
				slog.String("error", archErr.Error()),
			)
		} else {
			s.logger.InfoContext(ctx, "sale_service: settlement archived",
				slog.String("sale_id", saleID),
				slog.String("path", path),
			)
		}
	}
	return nil
}

// SetAcceptedCapital publishes the accepted-capital Merkle root.
func (s *SaleService) SetAcceptedCapital(ctx context.Context, saleID string, caller common.Address, root common.Hash) error {
	return s.adminAction(ctx, saleID, caller, domain.EventAcceptedCapitalSet, domain.ChannelSettlement,
		func(eng *sale.Engine) error { return eng.SetAcceptedCapital(ctx, caller, root) })
}

// SupplyTokens moves the allocation plus fees in from the project.
func (s *SaleService) SupplyTokens(ctx context.Context, saleID string, caller common.Address, amount, legionFee, referrerFee *big.Int) error {
	return s.adminAction(ctx, saleID, caller, domain.EventTokensSupplied, domain.ChannelSettlement,
		func(eng *sale.Engine) error {
			return eng.SupplyTokens(ctx, caller, amount, legionFee, referrerFee)
		})
}

// WithdrawRaisedCapital pays the project its net raised capital.
func (s *SaleService) WithdrawRaisedCapital(ctx context.Context, saleID string, caller common.Address) (*big.Int, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return nil, err
	}
	amount, err := eng.WithdrawRaisedCapital(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("sale_service: withdraw raised capital in %q: %w", saleID, err)
	}

	s.persistSale(ctx, eng)
	s.publish(ctx, domain.ChannelSettlement, map[string]any{
		"event":   domain.EventRaisedCapitalWithdrawn,
		"sale_id": saleID,
		"amount":  amount.String(),
	})
	s.auditLog(ctx, domain.EventRaisedCapitalWithdrawn, map[string]any{
		"sale_id": saleID,
		"caller":  caller.Hex(),
		"amount":  amount.String(),
	})
	return amount, nil
}

// SyncAddresses refreshes a sale's platform address snapshot from the
// registry.
func (s *SaleService) SyncAddresses(ctx context.Context, saleID string, caller common.Address) (domain.PlatformAddresses, error) {
	eng, err := s.engine(saleID)
	if err != nil {
		return domain.PlatformAddresses{}, err
	}
	addrs, err := eng.SyncAddresses(ctx, caller)
	if err != nil {
		return domain.PlatformAddresses{}, fmt.Errorf("sale_service: sync addresses in %q: %w", saleID, err)
	}
	s.auditLog(ctx, domain.EventAddressesSynced, map[string]any{
		"sale_id": saleID,
		"admin":   addrs.Admin.Hex(),
		"signer":  addrs.Signer.Hex(),
	})
	return addrs, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (s *SaleService) engine(saleID string) (*sale.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eng, ok := s.engines[saleID]
	if !ok {
		return nil, fmt.Errorf("sale_service: sale %q: %w", saleID, domain.ErrSaleNotFound)
	}
	return eng, nil
}

// adminAction runs an engine mutation, persists the sale snapshot and emits
// the given event.
func (s *SaleService) adminAction(ctx context.Context, saleID string, caller common.Address, event, channel string, fn func(*sale.Engine) error) error {
	eng, err := s.engine(saleID)
	if err != nil {
		return err
	}
	if err := fn(eng); err != nil {
		return fmt.Errorf("sale_service: %s in %q: %w", event, saleID, err)
	}

	s.persistSale(ctx, eng)
	s.publish(ctx, channel, map[string]any{
		"event":   event,
		"sale_id": saleID,
	})
	s.auditLog(ctx, event, map[string]any{
		"sale_id": saleID,
		"caller":  caller.Hex(),
	})
	return nil
}

func (s *SaleService) persistSale(ctx context.Context, eng *sale.Engine) {
	if s.sales == nil {
		return
	}
	snap := eng.Snapshot()
	if err := s.sales.Upsert(ctx, snap); err != nil {
		s.logger.WarnContext(ctx, "sale_service: persist sale failed",
			slog.String("sale_id", snap.Config.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SaleService) persistPosition(ctx context.Context, saleID string, pos *domain.InvestorPosition) {
	if s.positions == nil || pos == nil {
		return
	}
	if err := s.positions.Upsert(ctx, saleID, *pos); err != nil {
		s.logger.WarnContext(ctx, "sale_service: persist position failed",
			slog.String("sale_id", saleID),
			slog.Uint64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SaleService) persistInvestor(ctx context.Context, saleID string, eng *sale.Engine, investor common.Address) {
	pos, err := eng.Position(investor)
	if err != nil {
		return
	}
	s.persistPosition(ctx, saleID, pos)
}

func (s *SaleService) deletePosition(ctx context.Context, saleID string, positionID uint64) {
	if s.positions == nil {
		return
	}
	if err := s.positions.Delete(ctx, saleID, positionID); err != nil {
		s.logger.WarnContext(ctx, "sale_service: delete position failed",
			slog.String("sale_id", saleID),
			slog.Uint64("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SaleService) publish(ctx context.Context, channel string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, channel, data); err != nil {
		s.logger.WarnContext(ctx, "sale_service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SaleService) auditLog(ctx context.Context, action string, details map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, action, details); err != nil {
		s.logger.WarnContext(ctx, "sale_service: audit log failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}
