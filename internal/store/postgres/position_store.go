package postgres

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/legionfi/salescore/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `position_id, investor, invested_capital,
	cached_allocation_rate, cached_invested_capital,
	sealed_bid_cipher, sealed_bid_pubkey,
	has_refunded, has_claimed_excess, has_settled, vesting_id`

// Upsert inserts or replaces a position snapshot for a sale.
func (s *PositionStore) Upsert(ctx context.Context, saleID string, p domain.InvestorPosition) error {
	var bidCipher, bidPubKey *string
	if p.SealedBid != nil {
		cipher := p.SealedBid.Cipher.Text(16)
		pub := hex.EncodeToString(ethcrypto.FromECDSAPub(p.SealedBid.PublicKey))
		bidCipher, bidPubKey = &cipher, &pub
	}

	const query = `
		INSERT INTO investor_positions (
			sale_id, position_id, investor, invested_capital,
			cached_allocation_rate, cached_invested_capital,
			sealed_bid_cipher, sealed_bid_pubkey,
			has_refunded, has_claimed_excess, has_settled, vesting_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (sale_id, position_id) DO UPDATE SET
			investor = EXCLUDED.investor,
			invested_capital = EXCLUDED.invested_capital,
			cached_allocation_rate = EXCLUDED.cached_allocation_rate,
			cached_invested_capital = EXCLUDED.cached_invested_capital,
			sealed_bid_cipher = EXCLUDED.sealed_bid_cipher,
			sealed_bid_pubkey = EXCLUDED.sealed_bid_pubkey,
			has_refunded = EXCLUDED.has_refunded,
			has_claimed_excess = EXCLUDED.has_claimed_excess,
			has_settled = EXCLUDED.has_settled,
			vesting_id = EXCLUDED.vesting_id,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		saleID, p.ID, p.Investor.Hex(), p.InvestedCapital.String(),
		p.CachedAllocationRate.String(), p.CachedInvestedCapital.String(),
		bidCipher, bidPubKey,
		p.HasRefunded, p.HasClaimedExcess, p.HasSettled, p.VestingID,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %d for sale %s: %w", p.ID, saleID, err)
	}
	return nil
}

// Delete removes a position row. Used when a transfer merges the source
// position into an existing destination.
func (s *PositionStore) Delete(ctx context.Context, saleID string, positionID uint64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM investor_positions WHERE sale_id = $1 AND position_id = $2`,
		saleID, positionID,
	)
	if err != nil {
		return fmt.Errorf("postgres: delete position %d for sale %s: %w", positionID, saleID, err)
	}
	return nil
}

// GetByInvestor loads the position currently owned by an investor.
func (s *PositionStore) GetByInvestor(ctx context.Context, saleID string, investor common.Address) (domain.InvestorPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM investor_positions
		 WHERE sale_id = $1 AND investor = $2`,
		saleID, investor.Hex(),
	)
	pos, err := scanPositionRow(row)
	if err == pgx.ErrNoRows {
		return domain.InvestorPosition{}, domain.ErrInvestorPositionDoesNotExist
	}
	if err != nil {
		return domain.InvestorPosition{}, fmt.Errorf("postgres: get position for %s in sale %s: %w", investor.Hex(), saleID, err)
	}
	return pos, nil
}

// ListBySale returns every position snapshot for a sale ordered by id.
func (s *PositionStore) ListBySale(ctx context.Context, saleID string) ([]domain.InvestorPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM investor_positions
		 WHERE sale_id = $1 ORDER BY position_id`,
		saleID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for sale %s: %w", saleID, err)
	}
	defer rows.Close()

	var out []domain.InvestorPosition
	for rows.Next() {
		pos, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func scanPositionRow(row pgx.Row) (domain.InvestorPosition, error) {
	var (
		pos                   domain.InvestorPosition
		investor              string
		invested, rate, accum string
		bidCipher, bidPubKey  *string
	)

	err := row.Scan(
		&pos.ID, &investor, &invested, &rate, &accum,
		&bidCipher, &bidPubKey,
		&pos.HasRefunded, &pos.HasClaimedExcess, &pos.HasSettled, &pos.VestingID,
	)
	if err != nil {
		return domain.InvestorPosition{}, err
	}

	pos.Investor = common.HexToAddress(investor)
	pos.InvestedCapital = bigFromText(invested)
	pos.CachedAllocationRate = bigFromText(rate)
	pos.CachedInvestedCapital = bigFromText(accum)

	if bidCipher != nil && bidPubKey != nil {
		raw, err := hex.DecodeString(*bidPubKey)
		if err != nil {
			return domain.InvestorPosition{}, fmt.Errorf("decode sealed bid key: %w", err)
		}
		pub, err := ethcrypto.UnmarshalPubkey(raw)
		if err != nil {
			return domain.InvestorPosition{}, fmt.Errorf("parse sealed bid key: %w", err)
		}
		pos.SealedBid = &domain.SealedBid{
			Cipher:    bigFromHex(*bidCipher),
			PublicKey: pub,
		}
	}
	return pos, nil
}
