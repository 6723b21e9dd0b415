package store

import (
	"context"
	"errors"
	"time"

	"settlement-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across the storage layer. Callers discriminate
// with errors.Is; the ledger boundary treats them as terminal for the
// attempt, never retried blindly.
var (
	ErrDuplicateTransaction    = errors.New("duplicate transaction")
	ErrConcurrentModification  = errors.New("concurrent modification detected")
	ErrInsufficientBalance     = errors.New("insufficient wallet balance")
	ErrWalletFrozen            = errors.New("wallet is frozen")
	ErrNoSchemeResolved        = errors.New("no applicable scheme")
	ErrNoApplicableSlab        = errors.New("no applicable slab")
	ErrSlabOverlap             = errors.New("slab amount range overlaps an existing slab")
	ErrCommissionExceedsCharge = errors.New("commissions exceed retailer charge")
	ErrSchemeNotFound          = errors.New("scheme not found")
	ErrEntityNotFound          = errors.New("entity not found")
	ErrDeviceNotMapped         = errors.New("device is not mapped to a retailer")
	ErrEntryNotFound           = errors.New("ledger entry not found")
	ErrHoldAlreadyReleased     = errors.New("hold entry already released")
)

// PostParams contains the parameters for posting one ledger entry.
// Exactly one of Credit/Debit must be positive.
type PostParams struct {
	EntityId     string
	EntityRole   models.EntityRole
	WalletKind   models.WalletKind
	FundCategory models.FundCategory
	ServiceType  models.ServiceType
	TxKind       models.TxKind
	Credit       decimal.Decimal
	Debit        decimal.Decimal
	Status       models.EntryStatus
	ReferenceId  string
	ExternalTxId string
	Remarks      string
}

// CreateMappingParams creates a new scheme mapping, deactivating any prior
// active mapping for the same (entity, scope) in the same transaction.
type CreateMappingParams struct {
	EntityId      string
	EntityRole    models.EntityRole
	SchemeId      string
	ServiceScope  models.ServiceType
	Priority      int
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
}

// LedgerFilter narrows reporting queries over ledger entries.
type LedgerFilter struct {
	EntityId   string
	WalletKind models.WalletKind
	Limit      int
	Offset     int
}

// SchemeStore is the persisted catalog of schemes, slabs, mappings and the
// entity/device hierarchy they govern. Lookup only, no pricing logic.
type SchemeStore interface {
	CreateScheme(ctx context.Context, scheme *models.Scheme) (*models.Scheme, error)
	GetScheme(ctx context.Context, schemeId string) (*models.Scheme, error)
	ListSchemes(ctx context.Context) ([]models.Scheme, error)
	DeactivateScheme(ctx context.Context, schemeId string) error

	CreateSlab(ctx context.Context, slab *models.SchemeSlab) (*models.SchemeSlab, error)
	SetSlabEnabled(ctx context.Context, slabId string, enabled bool) error
	GetSlabs(ctx context.Context, schemeId string, serviceType models.ServiceType) ([]models.SchemeSlab, error)

	CreateMapping(ctx context.Context, params CreateMappingParams) (*models.SchemeMapping, error)
	GetActiveMappings(ctx context.Context, entityIds []string, scope models.ServiceType, now time.Time) ([]models.SchemeMapping, error)
	GetGlobalSchemes(ctx context.Context, scope models.ServiceType, now time.Time) ([]models.Scheme, error)

	CreateEntity(ctx context.Context, entity *models.Entity) (*models.Entity, error)
	GetEntity(ctx context.Context, entityId string) (*models.Entity, error)
	CreateDeviceMapping(ctx context.Context, mapping *models.DeviceMapping) (*models.DeviceMapping, error)
	FindRetailerByDevice(ctx context.Context, serialNumber string) (*models.Entity, error)
}

// LedgerStore is the wallet ledger: the single point where money moves.
// Wallets are mutated only through Post / ReleaseHold / Reverse.
type LedgerStore interface {
	Post(ctx context.Context, params PostParams) (*models.LedgerEntry, error)
	Reverse(ctx context.Context, entryId, remarks string) (*models.LedgerEntry, error)
	ReleaseHold(ctx context.Context, entryId string) (*models.LedgerEntry, error)
	ListDueHolds(ctx context.Context, olderThan time.Time, limit int) ([]models.LedgerEntry, error)

	GetWallet(ctx context.Context, entityId string, kind models.WalletKind) (*models.Wallet, error)
	GetBalance(ctx context.Context, entityId string, kind models.WalletKind) (decimal.Decimal, error)
	SetWalletFrozen(ctx context.Context, entityId string, kind models.WalletKind, frozen bool) error
	GetEntries(ctx context.Context, filter LedgerFilter) ([]models.LedgerEntry, error)
	GetEntry(ctx context.Context, entryId string) (*models.LedgerEntry, error)
	ReconcileWallet(ctx context.Context, entityId string, kind models.WalletKind) error
}

// TransactionStore persists service transactions and commission postings
// (the cascade outbox).
type TransactionStore interface {
	GetTransactionByExternalId(ctx context.Context, serviceType models.ServiceType, externalTxId string) (*models.ServiceTransaction, error)
	InsertTransaction(ctx context.Context, tx *models.ServiceTransaction) (*models.ServiceTransaction, error)
	UpdateTransaction(ctx context.Context, tx *models.ServiceTransaction) error
	// CreditTransaction posts the ledger entry, flips wallet_credited and
	// inserts the commission outbox rows in one SQL transaction, so a crash
	// cannot double-credit or strand a credit without its cascade.
	CreditTransaction(ctx context.Context, txId string, params PostParams, state models.TxState, postings []models.CommissionPosting) (*models.LedgerEntry, error)
	SetTransactionState(ctx context.Context, txId string, state models.TxState) error
	ListTransactions(ctx context.Context, state models.TxState, limit, offset int) ([]models.ServiceTransaction, error)

	ListPendingCommissions(ctx context.Context, limit int) ([]models.CommissionPosting, error)
	MarkCommissionPosted(ctx context.Context, postingId, ledgerEntryId string) error
	MarkCommissionFailed(ctx context.Context, postingId, reason string, lock bool) error
	ListCommissionsByTransaction(ctx context.Context, txId string) ([]models.CommissionPosting, error)
}

// Store is the full contract the settlement engine depends on.
type Store interface {
	SchemeStore
	LedgerStore
	TransactionStore
	Close()
}
