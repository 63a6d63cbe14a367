package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/legionfi/salescore/internal/domain"
)

// ArchiveImpl implements domain.Archiver by querying the domain stores for a
// sale's full settlement state, serializing it to JSON, and uploading the
// report to S3. The primary-store rows are left in place; the report is an
// immutable point-in-time record, not a migration.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	sales     domain.SaleStore
	positions domain.PositionStore
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	sales domain.SaleStore,
	positions domain.PositionStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		sales:     sales,
		positions: positions,
		audit:     audit,
	}
}

// settlementReport is the uploaded document: the sale snapshot plus every
// position at the moment of archival.
type settlementReport struct {
	SaleID     string            `json:"sale_id"`
	Kind       string            `json:"kind"`
	ArchivedAt time.Time         `json:"archived_at"`
	Sale       saleReport        `json:"sale"`
	Positions  []positionReport  `json:"positions"`
}

type saleReport struct {
	BidToken               string `json:"bid_token"`
	AskToken               string `json:"ask_token"`
	ProjectAdmin           string `json:"project_admin"`
	TotalCapitalRaised     string `json:"total_capital_raised"`
	TotalTokensAllocated   string `json:"total_tokens_allocated"`
	TotalCapitalWithdrawn  string `json:"total_capital_withdrawn"`
	AcceptedCapitalRoot    string `json:"accepted_capital_root"`
	ClaimTokensRoot        string `json:"claim_tokens_root"`
	HasEnded               bool   `json:"has_ended"`
	IsCanceled             bool   `json:"is_canceled"`
	ResultsPublished       bool   `json:"results_published"`
	CapitalRaisedPublished bool   `json:"capital_raised_published"`
	TokensSupplied         bool   `json:"tokens_supplied"`
	CapitalWithdrawn       bool   `json:"capital_withdrawn"`
}

type positionReport struct {
	PositionID       uint64 `json:"position_id"`
	Investor         string `json:"investor"`
	InvestedCapital  string `json:"invested_capital"`
	AllocationRate   string `json:"allocation_rate"`
	HasRefunded      bool   `json:"has_refunded"`
	HasClaimedExcess bool   `json:"has_claimed_excess"`
	HasSettled       bool   `json:"has_settled"`
	VestingID        string `json:"vesting_id,omitempty"`
}

// ArchiveSettlement builds the settlement report for a sale and uploads it to
// settlements/<saleID>/<unix-ts>.json. The archival event is recorded in the
// audit log and the object path is returned.
func (a *ArchiveImpl) ArchiveSettlement(ctx context.Context, saleID string) (string, error) {
	snap, err := a.sales.Get(ctx, saleID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive settlement query sale: %w", err)
	}

	positions, err := a.positions.ListBySale(ctx, saleID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive settlement query positions: %w", err)
	}

	now := time.Now().UTC()
	report := settlementReport{
		SaleID:     saleID,
		Kind:       string(snap.Config.Kind),
		ArchivedAt: now,
		Sale: saleReport{
			BidToken:               snap.Config.BidToken.Hex(),
			AskToken:               snap.Status.AskToken.Hex(),
			ProjectAdmin:           snap.Config.ProjectAdmin.Hex(),
			TotalCapitalRaised:     snap.Status.TotalCapitalRaised.String(),
			TotalTokensAllocated:   snap.Status.TotalTokensAllocated.String(),
			TotalCapitalWithdrawn:  snap.Status.TotalCapitalWithdrawn.String(),
			AcceptedCapitalRoot:    snap.Status.AcceptedCapitalRoot.Hex(),
			ClaimTokensRoot:        snap.Status.ClaimTokensRoot.Hex(),
			HasEnded:               snap.Status.HasEnded,
			IsCanceled:             snap.Status.IsCanceled,
			ResultsPublished:       snap.Status.ResultsPublished,
			CapitalRaisedPublished: snap.Status.CapitalRaisedPublished,
			TokensSupplied:         snap.Status.TokensSupplied,
			CapitalWithdrawn:       snap.Status.CapitalWithdrawn,
		},
	}
	for _, p := range positions {
		report.Positions = append(report.Positions, positionReport{
			PositionID:       p.ID,
			Investor:         p.Investor.Hex(),
			InvestedCapital:  p.InvestedCapital.String(),
			AllocationRate:   p.CachedAllocationRate.String(),
			HasRefunded:      p.HasRefunded,
			HasClaimedExcess: p.HasClaimedExcess,
			HasSettled:       p.HasSettled,
			VestingID:        p.VestingID,
		})
	}

	buf, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive settlement marshal: %w", err)
	}

	path := fmt.Sprintf("settlements/%s/%d.json", saleID, now.Unix())
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive settlement upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.settlement", map[string]any{
			"sale_id":   saleID,
			"path":      path,
			"positions": len(positions),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive settlement audit log: %w", err)
		}
	}

	return path, nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
