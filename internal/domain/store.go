package domain

import (
	"context"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SaleSnapshot bundles the immutable config with the current status for
// persistence and API views. The in-memory engine remains canonical; stores
// hold write-behind snapshots.
type SaleSnapshot struct {
	Config SaleConfig
	Status SaleStatus
}

// SaleStore persists sale snapshots.
type SaleStore interface {
	Upsert(ctx context.Context, snap SaleSnapshot) error
	Get(ctx context.Context, saleID string) (SaleSnapshot, error)
	List(ctx context.Context) ([]SaleSnapshot, error)
}

// PositionStore persists investor-position snapshots per sale.
type PositionStore interface {
	Upsert(ctx context.Context, saleID string, p InvestorPosition) error
	Delete(ctx context.Context, saleID string, positionID uint64) error
	GetByInvestor(ctx context.Context, saleID string, investor common.Address) (InvestorPosition, error)
	ListBySale(ctx context.Context, saleID string) ([]InvestorPosition, error)
}

// AuditStore appends structured audit entries for every state-changing action.
type AuditStore interface {
	Log(ctx context.Context, action string, details map[string]any) error
}

// EventBus publishes engine events and hands out subscriptions for the
// WebSocket hub. Implementations must close the returned channel when the
// context is cancelled.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter uploads settlement artifacts to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver writes full settlement reports for a sale.
type Archiver interface {
	ArchiveSettlement(ctx context.Context, saleID string) (string, error)
}

// TokenVault executes value-token transfers on behalf of the engine. It is an
// external collaborator: the engine decides exact amounts and directions, the
// vault moves the tokens atomically with the action (an error aborts the
// action with no state change).
type TokenVault interface {
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
}

// AddressRegistry resolves platform addresses by well-known key. Sales hold an
// immutable snapshot refreshed only through an explicit sync action.
type AddressRegistry interface {
	Address(ctx context.Context, key string) (common.Address, error)
}

// Clock abstracts the monotonically nondecreasing time source all window
// checks compare against, in unix seconds.
type Clock interface {
	Now() uint64
}
