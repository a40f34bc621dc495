// Package model holds the domain objects of the trading engine. Quantities,
// prices, and money amounts are shopspring/decimal values carrying 9
// fractional digits, per the exchange's ENERGY_DECIMALS convention.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderState string

const (
	OrderOpen      OrderState = "open"
	OrderPartial   OrderState = "partial"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderExpired   OrderState = "expired"
)

func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired:
		return true
	default:
		return false
	}
}

type SettlementState string

const (
	SettlementPending    SettlementState = "pending"
	SettlementProcessing SettlementState = "processing"
	SettlementConfirmed  SettlementState = "confirmed"
	SettlementFailed     SettlementState = "failed"
)

type AssetType string

const (
	AssetCurrency AssetType = "currency"
	AssetEnergy   AssetType = "energy"
)

type EscrowKind string

const (
	EscrowBuyLock  EscrowKind = "buy_lock"
	EscrowSellLock EscrowKind = "sell_lock"
)

type EscrowState string

const (
	EscrowLocked   EscrowState = "locked"
	EscrowReleased EscrowState = "released"
	EscrowRefunded EscrowState = "refunded"
)

type EpochState string

const (
	EpochOpen     EpochState = "open"
	EpochClearing EpochState = "clearing"
	EpochCleared  EpochState = "cleared"
)

type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskDeadLetter TaskState = "dead_letter"
)

type TaskKind string

const (
	TaskSettlementTransfer TaskKind = "settlement_transfer"
	TaskMintFromReading    TaskKind = "mint_from_reading"
	TaskEscrowRefund       TaskKind = "escrow_refund"
	TaskEscrowRelease      TaskKind = "escrow_release"
	TaskOrderChainMirror   TaskKind = "order_side_chain_mirror"
)

// ── Domain objects ───────────────────────────────────

type Order struct {
	ID            string
	OwnerID       string
	Side          Side
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	Filled        decimal.Decimal
	State         OrderState
	EpochID       string
	CertificateID *string
	Seq           int64
	ClientOrderID *string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UpdatedAt     time.Time
}

func (o *Order) Remaining() decimal.Decimal { return o.Quantity.Sub(o.Filled) }

// Valid checks the filled<=quantity and state<->filled invariant from §3.
func (o *Order) Valid() bool {
	if o.Filled.GreaterThan(o.Quantity) {
		return false
	}
	if o.State == OrderFilled && !o.Filled.Equal(o.Quantity) {
		return false
	}
	return true
}

type TradeMatch struct {
	ID           string
	BuyOrderID   string
	SellOrderID  string
	ExecPrice    decimal.Decimal
	ExecQuantity decimal.Decimal
	Total        decimal.Decimal
	EpochID      string
	Seq          int64
	MatchedAt    time.Time
}

type Settlement struct {
	ID          string
	TradeID     string
	BuyerID     string
	SellerID    string
	BuyOrderID  string
	SellOrderID string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Total       decimal.Decimal
	Fee         decimal.Decimal
	Wheeling    decimal.Decimal
	NetToSeller decimal.Decimal
	State       SettlementState
	ChainTxID   *string
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

type EscrowRecord struct {
	ID          string
	OwnerID     string
	OrderID     string
	Asset       AssetType
	Amount      decimal.Decimal
	Kind        EscrowKind
	State       EscrowState
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type UserBalance struct {
	UserID         string
	Currency       decimal.Decimal
	Energy         decimal.Decimal
	LockedCurrency decimal.Decimal
	LockedEnergy   decimal.Decimal
}

func (u UserBalance) AvailableCurrency() decimal.Decimal { return u.Currency.Sub(u.LockedCurrency) }
func (u UserBalance) AvailableEnergy() decimal.Decimal   { return u.Energy.Sub(u.LockedEnergy) }

type Epoch struct {
	ID            string
	Number        int64
	Start         time.Time
	End           time.Time
	State         EpochState
	ClearingPrice *decimal.Decimal
	TotalVolume   decimal.Decimal
	TotalOrders   int64
	MatchedOrders int64
}

type BlockchainTask struct {
	ID            string
	Kind          TaskKind
	PayloadJSON   []byte
	State         TaskState
	Attempts      int
	NextAttemptAt time.Time
	LeaseExpires  *time.Time
	LastError     *string
	Result        *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type PlatformRevenue struct {
	ID           string
	SettlementID string
	RevenueType  string
	Amount       decimal.Decimal
	Description  string
	CreatedAt    time.Time
}

// ── API types ────────────────────────────────────────

type PlaceOrderReq struct {
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	ExpiresAt     time.Time       `json:"expires_at"`
	CertificateID *string         `json:"certificate_id,omitempty"`
	ClientOrderID *string         `json:"client_order_id,omitempty"`
}

type PlaceOrderResult struct {
	OrderID string       `json:"order_id"`
	State   OrderState   `json:"state"`
	Matches []TradeMatch `json:"matches,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

type BookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

type BookSnapshot struct {
	Bids    []BookLevel      `json:"bids"`
	Asks    []BookLevel      `json:"asks"`
	BestBid *decimal.Decimal `json:"best_bid"`
	BestAsk *decimal.Decimal `json:"best_ask"`
	Mid     *decimal.Decimal `json:"mid"`
	Spread  *decimal.Decimal `json:"spread"`
	Ts      time.Time        `json:"ts"`
}
