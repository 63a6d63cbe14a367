package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/legionfi/salescore/internal/domain"
)

// SaleStore implements domain.SaleStore using PostgreSQL.
type SaleStore struct {
	pool *pgxpool.Pool
}

// NewSaleStore creates a new SaleStore backed by the given connection pool.
func NewSaleStore(pool *pgxpool.Pool) *SaleStore {
	return &SaleStore{pool: pool}
}

const saleSelectCols = `id, kind, bid_token, ask_token, project_admin, referrer_fee_receiver,
	minimum_invest, legion_fee_capital_bps, legion_fee_tokens_bps,
	referrer_fee_capital_bps, referrer_fee_tokens_bps,
	start_ts, end_ts, refund_end_ts,
	total_tokens_allocated, total_capital_raised, total_capital_withdrawn,
	accepted_capital_root, claim_tokens_root, salt_constant, revealed_private_key,
	has_ended, ended_at, is_canceled, results_published,
	capital_raised_published, tokens_supplied, capital_withdrawn`

// Upsert inserts or replaces a sale snapshot.
func (s *SaleStore) Upsert(ctx context.Context, snap domain.SaleSnapshot) error {
	cfg, st := snap.Config, snap.Status

	var revealKey *string
	if st.RevealedPrivateKey != nil {
		v := st.RevealedPrivateKey.Text(16)
		revealKey = &v
	}

	const query = `
		INSERT INTO sales (
			id, kind, bid_token, ask_token, project_admin, referrer_fee_receiver,
			minimum_invest, legion_fee_capital_bps, legion_fee_tokens_bps,
			referrer_fee_capital_bps, referrer_fee_tokens_bps,
			start_ts, end_ts, refund_end_ts,
			total_tokens_allocated, total_capital_raised, total_capital_withdrawn,
			accepted_capital_root, claim_tokens_root, salt_constant, revealed_private_key,
			has_ended, ended_at, is_canceled, results_published,
			capital_raised_published, tokens_supplied, capital_withdrawn, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21,
			$22, $23, $24, $25,
			$26, $27, $28, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			ask_token = EXCLUDED.ask_token,
			total_tokens_allocated = EXCLUDED.total_tokens_allocated,
			total_capital_raised = EXCLUDED.total_capital_raised,
			total_capital_withdrawn = EXCLUDED.total_capital_withdrawn,
			accepted_capital_root = EXCLUDED.accepted_capital_root,
			claim_tokens_root = EXCLUDED.claim_tokens_root,
			salt_constant = EXCLUDED.salt_constant,
			revealed_private_key = EXCLUDED.revealed_private_key,
			has_ended = EXCLUDED.has_ended,
			ended_at = EXCLUDED.ended_at,
			is_canceled = EXCLUDED.is_canceled,
			results_published = EXCLUDED.results_published,
			capital_raised_published = EXCLUDED.capital_raised_published,
			tokens_supplied = EXCLUDED.tokens_supplied,
			capital_withdrawn = EXCLUDED.capital_withdrawn,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		cfg.ID, string(cfg.Kind), cfg.BidToken.Hex(), st.AskToken.Hex(),
		cfg.ProjectAdmin.Hex(), cfg.ReferrerFeeReceiver.Hex(),
		cfg.MinimumInvest.String(),
		cfg.LegionFeeOnCapitalBps, cfg.LegionFeeOnTokensBps,
		cfg.ReferrerFeeOnCapitalBps, cfg.ReferrerFeeOnTokensBps,
		cfg.StartTimestamp, cfg.EndTimestamp, cfg.RefundEndTimestamp,
		st.TotalTokensAllocated.String(), st.TotalCapitalRaised.String(),
		st.TotalCapitalWithdrawn.String(),
		st.AcceptedCapitalRoot.Hex(), st.ClaimTokensRoot.Hex(),
		st.SaltConstant.Hex(), revealKey,
		st.HasEnded, st.EndedAt, st.IsCanceled, st.ResultsPublished,
		st.CapitalRaisedPublished, st.TokensSupplied, st.CapitalWithdrawn,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert sale %s: %w", cfg.ID, err)
	}
	return nil
}

// Get loads one sale snapshot by id.
func (s *SaleStore) Get(ctx context.Context, saleID string) (domain.SaleSnapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+saleSelectCols+` FROM sales WHERE id = $1`, saleID)
	snap, err := scanSaleRow(row)
	if err == pgx.ErrNoRows {
		return domain.SaleSnapshot{}, domain.ErrSaleNotFound
	}
	if err != nil {
		return domain.SaleSnapshot{}, fmt.Errorf("postgres: get sale %s: %w", saleID, err)
	}
	return snap, nil
}

// List returns every stored sale snapshot.
func (s *SaleStore) List(ctx context.Context) ([]domain.SaleSnapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+saleSelectCols+` FROM sales ORDER BY start_ts`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sales: %w", err)
	}
	defer rows.Close()

	var out []domain.SaleSnapshot
	for rows.Next() {
		snap, err := scanSaleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan sale: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSaleRow(row pgx.Row) (domain.SaleSnapshot, error) {
	var (
		snap                              domain.SaleSnapshot
		kind                              string
		bidToken, askToken                string
		projectAdmin, referrer            string
		minInvest                         string
		allocated, raised, withdrawn      string
		acceptedRoot, claimRoot, saltHex  string
		revealKey                         *string
	)

	snap.Status = domain.NewSaleStatus()
	err := row.Scan(
		&snap.Config.ID, &kind, &bidToken, &askToken, &projectAdmin, &referrer,
		&minInvest,
		&snap.Config.LegionFeeOnCapitalBps, &snap.Config.LegionFeeOnTokensBps,
		&snap.Config.ReferrerFeeOnCapitalBps, &snap.Config.ReferrerFeeOnTokensBps,
		&snap.Config.StartTimestamp, &snap.Config.EndTimestamp, &snap.Config.RefundEndTimestamp,
		&allocated, &raised, &withdrawn,
		&acceptedRoot, &claimRoot, &saltHex, &revealKey,
		&snap.Status.HasEnded, &snap.Status.EndedAt, &snap.Status.IsCanceled,
		&snap.Status.ResultsPublished, &snap.Status.CapitalRaisedPublished,
		&snap.Status.TokensSupplied, &snap.Status.CapitalWithdrawn,
	)
	if err != nil {
		return domain.SaleSnapshot{}, err
	}

	snap.Config.Kind = domain.SaleKind(kind)
	snap.Config.BidToken = common.HexToAddress(bidToken)
	snap.Config.AskToken = common.HexToAddress(askToken)
	snap.Config.ProjectAdmin = common.HexToAddress(projectAdmin)
	snap.Config.ReferrerFeeReceiver = common.HexToAddress(referrer)
	snap.Config.MinimumInvest = bigFromText(minInvest)
	snap.Status.AskToken = common.HexToAddress(askToken)
	snap.Status.TotalTokensAllocated = bigFromText(allocated)
	snap.Status.TotalCapitalRaised = bigFromText(raised)
	snap.Status.TotalCapitalWithdrawn = bigFromText(withdrawn)
	snap.Status.AcceptedCapitalRoot = common.HexToHash(acceptedRoot)
	snap.Status.ClaimTokensRoot = common.HexToHash(claimRoot)
	snap.Status.SaltConstant = common.HexToHash(saltHex)
	if revealKey != nil {
		key, ok := new(big.Int).SetString(*revealKey, 16)
		if ok {
			snap.Status.RevealedPrivateKey = key
		}
	}
	return snap, nil
}

// bigFromText parses a stored decimal amount, defaulting to zero on garbage
// rather than failing a read.
func bigFromText(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

func bigFromHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return new(big.Int)
	}
	return n
}
