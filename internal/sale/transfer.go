package sale

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legionfi/salescore/internal/domain"
)

// TransferInvestorPosition moves a position between holders, platform-admin
// initiated. See transferPosition for the window and merge rules.
func (e *Engine) TransferInvestorPosition(ctx context.Context, caller, from, to common.Address, positionID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireCapability("transferInvestorPosition", domain.CapPlatformAdmin, caller); err != nil {
		return err
	}
	return e.transferPosition(from, to, positionID)
}

// TransferInvestorPositionWithAuthorization moves a position on the owner's
// own signed authorization. The position id acts as the transfer nonce; the
// signature is consumed into the used set like any other.
func (e *Engine) TransferInvestorPositionWithAuthorization(ctx context.Context, from, to common.Address, positionID uint64, sig []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	digest := e.auth.TransferDigest(from, to, positionID)
	if err := e.auth.Verify("transferInvestorPosition", digest, sig, from); err != nil {
		return err
	}
	if e.signatureUsed(sig) {
		return domain.ErrSignatureAlreadyUsed
	}

	if err := e.transferPosition(from, to, positionID); err != nil {
		return err
	}
	e.markSignatureUsed(sig)
	return nil
}

// transferPosition enforces the transfer window (refund window closed,
// results not yet published) and performs the move or merge. A refunded
// source cannot transfer; a refunded destination cannot absorb a merge.
func (e *Engine) transferPosition(from, to common.Address, positionID uint64) error {
	if e.status.IsCanceled {
		return domain.ErrSaleIsCanceled
	}
	now := e.clock.Now()
	if !e.saleEnded(now) || now < e.refundEnd() {
		return domain.ErrRefundPeriodIsNotOver
	}
	if e.status.ResultsPublished {
		return domain.ErrSaleResultsAlreadyPublished
	}
	if to == (common.Address{}) || from == to {
		return domain.ErrZeroAddressProvided
	}

	src := e.ledger.Get(from)
	if src == nil || src.ID != positionID {
		return domain.ErrInvestorPositionDoesNotExist
	}
	if src.HasRefunded {
		return fmt.Errorf("transfer position %d: %w", positionID, domain.ErrUnableToTransferInvestorPosition)
	}

	dst := e.ledger.Get(to)
	if dst == nil {
		e.ledger.Reassign(src, to)
		return nil
	}
	if dst.HasRefunded {
		return fmt.Errorf("merge into position %d: %w", dst.ID, domain.ErrUnableToMergeInvestorPosition)
	}

	e.ledger.Merge(src, dst)
	return nil
}
