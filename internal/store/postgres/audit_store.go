package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditStore appends structured audit entries to the audit_log table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log records one state-changing action with its detail map as JSONB.
func (s *AuditStore) Log(ctx context.Context, action string, details map[string]any) error {
	var detail []byte
	if len(details) > 0 {
		var err error
		detail, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("postgres: marshal audit detail for %s: %w", action, err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, event, detail) VALUES ($1, $2, $3)`,
		uuid.New(), action, detail,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert audit entry %s: %w", action, err)
	}
	return nil
}
