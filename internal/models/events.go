package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Gateway event statuses as normalized by the device gateway.
const (
	EventAuthorized = "AUTHORIZED"
	EventCaptured   = "CAPTURED"
	EventFailed     = "FAILED"
)

// GatewayEvent is one normalized notification from the external payment
// processor / device gateway. Deliveries are retry-prone: the same
// ExternalTxId may arrive any number of times.
type GatewayEvent struct {
	ExternalTxId string          `json:"external_tx_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       string          `json:"status"`
	DeviceSerial string          `json:"device_serial"`
	CardType     string          `json:"card_type"`
	CardBrand    string          `json:"card_brand"`
	EventTime    time.Time       `json:"event_time"`
	Signature    string          `json:"signature,omitempty"`
}

// ServiceCompletion is one normalized completion event from an internal
// service subsystem (bill-payment, cash-payout).
type ServiceCompletion struct {
	ExternalTxId string          `json:"external_tx_id"`
	EntityId     string          `json:"entity_id"`
	EntityRole   EntityRole      `json:"entity_role"`
	ServiceType  ServiceType     `json:"service_type"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	BillCategory string          `json:"bill_category,omitempty"`
	TransferMode string          `json:"transfer_mode,omitempty"`
	EventTime    time.Time       `json:"event_time"`
}

// SecondaryKey returns the slab secondary key for this completion's service.
func (c ServiceCompletion) SecondaryKey() string {
	switch c.ServiceType {
	case ServiceBillPayment:
		return c.BillCategory
	case ServicePayout:
		return c.TransferMode
	default:
		return ""
	}
}

// SettlementMode distinguishes instant (T0) from deferred (T1) crediting.
type SettlementMode string

const (
	SettlementT0 SettlementMode = "T0"
	SettlementT1 SettlementMode = "T1"
)

// ServiceDefinition is one entry of the service catalog (services.yaml):
// how a given service settles and which wallet/fund bucket it touches.
type ServiceDefinition struct {
	Code         ServiceType    `yaml:"code"`
	Settlement   SettlementMode `yaml:"settlement"`
	WalletKind   WalletKind     `yaml:"wallet"`
	FundCategory FundCategory   `yaml:"fund_category"`
}
