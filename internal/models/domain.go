package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityRole identifies a party's position in the reseller hierarchy.
type EntityRole string

const (
	RoleRetailer          EntityRole = "retailer"
	RoleDistributor       EntityRole = "distributor"
	RoleMasterDistributor EntityRole = "master-distributor"
	RolePlatform          EntityRole = "platform"
)

// Entity is a party that can own wallets and be governed by schemes.
// Retailers carry their distributor/master-distributor parents so the
// hierarchy path is resolvable in a single lookup.
type Entity struct {
	Id                  string     `db:"id"`
	Name                string     `db:"name"`
	Role                EntityRole `db:"role"`
	DistributorId       string     `db:"distributor_id"`
	MasterDistributorId string     `db:"master_distributor_id"`
	Status              string     `db:"status"`
	CreatedAt           time.Time  `db:"created_at"`
}

// DeviceMapping binds a POS device/terminal serial to the retailer that owns it.
type DeviceMapping struct {
	Id           string    `db:"id"`
	SerialNumber string    `db:"serial_number"`
	RetailerId   string    `db:"retailer_id"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
}

// SchemeKind classifies how broadly a scheme is meant to apply.
type SchemeKind string

const (
	SchemeGlobal      SchemeKind = "global"
	SchemeTierDefault SchemeKind = "tier-default"
	SchemeCustom      SchemeKind = "custom"
)

// ServiceType is a billable service; ServiceAll is the wildcard scope.
type ServiceType string

const (
	ServiceBillPayment ServiceType = "bill-payment"
	ServicePayout      ServiceType = "payout"
	ServiceCardPresent ServiceType = "card-present"
	ServiceAll         ServiceType = "all"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Scheme is a commercial pricing agreement. Once referenced by a posted
// ledger entry it is immutable; new versions are inserted as new rows.
type Scheme struct {
	Id            string      `db:"id"`
	Name          string      `db:"name"`
	Kind          SchemeKind  `db:"kind"`
	Scope         ServiceType `db:"scope"`
	Priority      int         `db:"priority"`
	EffectiveFrom time.Time   `db:"effective_from"`
	EffectiveTo   *time.Time  `db:"effective_to"`
	Status        string      `db:"status"`
	CreatedAt     time.Time   `db:"created_at"`
}

// ValueKind tags a monetary field as an absolute amount or a percentage
// of the transaction amount.
type ValueKind string

const (
	ValueFlat    ValueKind = "flat"
	ValuePercent ValueKind = "percent"
)

// MoneyValue is the tagged flat-or-percentage variant used by every
// charge/commission field on a slab.
type MoneyValue struct {
	Kind  ValueKind       `json:"kind"`
	Value decimal.Decimal `json:"value"`
}

// SchemeSlab is one amount (and optional secondary-key) band within a
// scheme. SecondaryKey carries the bill category, transfer mode, or card
// type depending on the service; empty string is the wildcard.
type SchemeSlab struct {
	Id                          string          `db:"id"`
	SchemeId                    string          `db:"scheme_id"`
	ServiceType                 ServiceType     `db:"service_type"`
	SecondaryKey                string          `db:"secondary_key"`
	MinAmount                   decimal.Decimal `db:"min_amount"`
	MaxAmount                   decimal.Decimal `db:"max_amount"`
	RetailerCharge              MoneyValue
	RetailerCommission          MoneyValue
	DistributorCommission       MoneyValue
	MasterDistributorCommission MoneyValue
	PlatformCommission          MoneyValue
	Enabled                     bool      `db:"enabled"`
	CreatedAt                   time.Time `db:"created_at"`
}

// SchemeMapping binds one entity to one scheme for one service scope.
// At most one active mapping may exist per (entity, scope); creating a new
// one deactivates the prior one.
type SchemeMapping struct {
	Id            string      `db:"id"`
	EntityId      string      `db:"entity_id"`
	EntityRole    EntityRole  `db:"entity_role"`
	SchemeId      string      `db:"scheme_id"`
	ServiceScope  ServiceType `db:"service_scope"`
	Priority      int         `db:"priority"`
	EffectiveFrom time.Time   `db:"effective_from"`
	EffectiveTo   *time.Time  `db:"effective_to"`
	Status        string      `db:"status"`
	CreatedAt     time.Time   `db:"created_at"`
}

// HierarchyLevel records which level of the ownership chain produced a
// scheme match, for audit purposes.
type HierarchyLevel string

const (
	LevelEntity            HierarchyLevel = "entity"
	LevelDistributor       HierarchyLevel = "distributor"
	LevelMasterDistributor HierarchyLevel = "master-distributor"
	LevelGlobal            HierarchyLevel = "global"
)

// ResolvedScheme is the outcome of a successful scheme resolution.
type ResolvedScheme struct {
	SchemeId    string         `json:"scheme_id"`
	SchemeName  string         `json:"scheme_name"`
	Kind        SchemeKind     `json:"kind"`
	ResolvedVia HierarchyLevel `json:"resolved_via"`
	MappingId   string         `json:"mapping_id,omitempty"`
	Priority    int            `json:"priority"`
}

// ChargeBreakdown is the evaluated output of a slab for one amount.
// CompanyEarning is RetailerCharge minus all commissions, floored at zero.
type ChargeBreakdown struct {
	SlabId                      string          `json:"slab_id"`
	RetailerCharge              decimal.Decimal `json:"retailer_charge"`
	RetailerCommission          decimal.Decimal `json:"retailer_commission"`
	DistributorCommission       decimal.Decimal `json:"distributor_commission"`
	MasterDistributorCommission decimal.Decimal `json:"master_distributor_commission"`
	PlatformCommission          decimal.Decimal `json:"platform_commission"`
	CompanyEarning              decimal.Decimal `json:"company_earning"`
}

// WalletKind separates settlement money from commission money.
type WalletKind string

const (
	WalletPrimary    WalletKind = "primary"
	WalletCommission WalletKind = "commission"
)

// Wallet holds the current spendable balance plus the settlement-held
// bucket for T1 credits. Wallets are created lazily and never deleted.
type Wallet struct {
	Id             string          `db:"id"`
	EntityId       string          `db:"entity_id"`
	EntityRole     EntityRole      `db:"entity_role"`
	Kind           WalletKind      `db:"kind"`
	Balance        decimal.Decimal `db:"balance"`
	SettlementHeld decimal.Decimal `db:"settlement_held"`
	Frozen         bool            `db:"frozen"`
	Version        int64           `db:"version"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// EntryStatus is the lifecycle state of a ledger entry. Amounts and
// balance snapshots are immutable; status is the only column that may
// advance (hold -> completed, pending -> completed/failed).
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryReversed  EntryStatus = "reversed"
	EntryHold      EntryStatus = "hold"
)

// TxKind labels what kind of money movement an entry represents.
type TxKind string

const (
	TxPosCredit         TxKind = "POS_CREDIT"
	TxBillDebit         TxKind = "BILL_DEBIT"
	TxPayoutDebit       TxKind = "PAYOUT_DEBIT"
	TxCommissionCredit  TxKind = "COMMISSION_CREDIT"
	TxSettlementRelease TxKind = "SETTLEMENT_RELEASE"
	TxReversal          TxKind = "REVERSAL"
	TxAdjustment        TxKind = "ADJUSTMENT"
)

// FundCategory groups entries for reporting.
type FundCategory string

const (
	FundSettlement FundCategory = "settlement"
	FundCommission FundCategory = "commission"
	FundAdjustment FundCategory = "adjustment"
)

// LedgerEntry is one immutable row in a wallet's journal. Exactly one of
// Credit/Debit is positive; ClosingBalance = OpeningBalance + Credit - Debit
// for every balance-affecting (non-hold) entry.
type LedgerEntry struct {
	Id             string          `db:"id"`
	EntityId       string          `db:"entity_id"`
	EntityRole     EntityRole      `db:"entity_role"`
	WalletKind     WalletKind      `db:"wallet_kind"`
	FundCategory   FundCategory    `db:"fund_category"`
	ServiceType    ServiceType     `db:"service_type"`
	TxKind         TxKind          `db:"tx_kind"`
	ExternalTxId   string          `db:"external_tx_id"`
	Credit         decimal.Decimal `db:"credit"`
	Debit          decimal.Decimal `db:"debit"`
	OpeningBalance decimal.Decimal `db:"opening_balance"`
	ClosingBalance decimal.Decimal `db:"closing_balance"`
	Status         EntryStatus     `db:"status"`
	Remarks        string          `db:"remarks"`
	ReferenceId    string          `db:"reference_id"`
	CreatedAt      time.Time       `db:"created_at"`
}

// TxState is the settlement state machine for a service transaction.
type TxState string

const (
	TxReceived  TxState = "received"
	TxMatched   TxState = "matched"
	TxPriced    TxState = "priced"
	TxCredited  TxState = "credited"
	TxCascaded  TxState = "cascaded"
	TxSettled   TxState = "settled"
	TxUnsettled TxState = "unsettled"
)

// ServiceTransaction is the durable record of one inbound event. Created
// when the event first arrives, updated as settlement advances, never
// deleted - even when pricing fails the raw event survives for manual
// reconciliation.
type ServiceTransaction struct {
	Id                  string          `db:"id"`
	ServiceType         ServiceType     `db:"service_type"`
	ExternalTxId        string          `db:"external_tx_id"`
	Amount              decimal.Decimal `db:"amount"`
	Currency            string          `db:"currency"`
	RawStatus           string          `db:"raw_status"`
	DeviceSerial        string          `db:"device_serial"`
	SecondaryKey        string          `db:"secondary_key"`
	RetailerId          string          `db:"retailer_id"`
	DistributorId       string          `db:"distributor_id"`
	MasterDistributorId string          `db:"master_distributor_id"`
	SchemeId            string          `db:"scheme_id"`
	SchemeName          string          `db:"scheme_name"`
	ResolvedVia         string          `db:"resolved_via"`
	Charge              decimal.Decimal `db:"charge"`
	NetAmount           decimal.Decimal `db:"net_amount"`
	WalletCredited      bool            `db:"wallet_credited"`
	LedgerEntryId       string          `db:"ledger_entry_id"`
	State               TxState         `db:"state"`
	FailureReason       string          `db:"failure_reason"`
	EventTime           time.Time       `db:"event_time"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

// CommissionLevel is one hierarchy level in the cascade.
type CommissionLevel string

const (
	CommissionRetailer          CommissionLevel = "retailer"
	CommissionDistributor       CommissionLevel = "distributor"
	CommissionMasterDistributor CommissionLevel = "master-distributor"
	CommissionPlatform          CommissionLevel = "platform"
)

// CommissionPosting is one hierarchy level's share of one transaction.
// Rows double as the durable outbox for the cascade worker: pending rows
// are retried until posted, failed, or locked.
type CommissionPosting struct {
	Id            string          `db:"id"`
	TransactionId string          `db:"transaction_id"`
	Level         CommissionLevel `db:"level"`
	EntityId      string          `db:"entity_id"`
	EntityRole    EntityRole      `db:"entity_role"`
	WalletKind    WalletKind      `db:"wallet_kind"`
	Amount        decimal.Decimal `db:"amount"`
	LedgerEntryId string          `db:"ledger_entry_id"`
	Status        string          `db:"status"`
	Attempts      int             `db:"attempts"`
	Locked        bool            `db:"locked"`
	LastError     string          `db:"last_error"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

const (
	PostingPending = "pending"
	PostingPosted  = "posted"
	PostingFailed  = "failed"
)
