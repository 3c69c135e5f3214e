package core

import (
	"time"

	"github.com/cockroachdb/apd/v3"
)

// OrderSide is the direction of an order as reported by a user stream.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// IsTerminal returns true if the order is in a terminal state (no further changes possible).
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// EventKind discriminates the payload of an Event.
type EventKind int

const (
	EventOrderUpdate EventKind = iota
	EventBalanceUpdate
	EventHeartbeat
	// EventGap marks a discontinuity in the stream that the consumer must reconcile.
	EventGap
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOrderUpdate:
		return "order_update"
	case EventBalanceUpdate:
		return "balance_update"
	case EventHeartbeat:
		return "heartbeat"
	case EventGap:
		return "gap"
	}
	return "unknown"
}

// MarshalJSON implements json.Marshaler for EventKind.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Event is one decoded message from an authenticated user stream.
type Event struct {
	Kind     EventKind `json:"kind"`
	Exchange string    `json:"exchange"`
	Channel  string    `json:"channel"`
	// Epoch is the connection epoch the event arrived on.
	Epoch uint64 `json:"epoch"`
	// Sequence is the exchange sequence number, zero when the exchange has none.
	Sequence int64     `json:"sequence,omitempty"`
	Time     time.Time `json:"time"`

	Order   *OrderUpdate   `json:"order,omitempty"`
	Balance *BalanceUpdate `json:"balance,omitempty"`
	Gap     *Gap           `json:"gap,omitempty"`
}

// Key returns a partitioning key that keeps updates of one order or asset together.
func (e *Event) Key() string {
	switch {
	case e.Order != nil:
		return e.Exchange + ":" + e.Order.Symbol
	case e.Balance != nil && len(e.Balance.Balances) == 1:
		return e.Exchange + ":" + e.Balance.Balances[0].Asset
	}
	return e.Exchange + ":" + e.Channel
}

// OrderUpdate reports a state change or fill of one order.
type OrderUpdate struct {
	Symbol        string      `json:"symbol"`
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Side          OrderSide   `json:"side"`
	Type          string      `json:"type"`
	Status        OrderStatus `json:"status"`
	Price         apd.Decimal `json:"price"`
	Quantity      apd.Decimal `json:"quantity"`
	Filled        apd.Decimal `json:"filled"`
	// LastFillPrice and LastFillQuantity describe the trade that caused this update, if any.
	LastFillPrice    apd.Decimal `json:"last_fill_price"`
	LastFillQuantity apd.Decimal `json:"last_fill_quantity"`
	Fee              apd.Decimal `json:"fee"`
	FeeAsset         string      `json:"fee_asset,omitempty"`
	TradeID          string      `json:"trade_id,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// IsFill reports whether the update carries an execution.
func (o *OrderUpdate) IsFill() bool {
	return o.TradeID != "" || !o.LastFillQuantity.IsZero()
}

// BalanceUpdate carries one or more asset balances.
type BalanceUpdate struct {
	Balances []Balance `json:"balances"`
	// Delta is set when the exchange reports a change rather than an absolute value.
	Delta bool `json:"delta,omitempty"`
}

// Balance is the free and locked amount of one asset.
type Balance struct {
	Asset  string      `json:"asset"`
	Free   apd.Decimal `json:"free"`
	Locked apd.Decimal `json:"locked"`
	Total  apd.Decimal `json:"total"`
}

// GapReason says why a Gap was emitted.
type GapReason string

const (
	// GapReconnect is emitted once per new connection epoch after the first.
	GapReconnect GapReason = "reconnect"
	// GapSequence is emitted when a sequence number skips.
	GapSequence GapReason = "sequence"
)

// Gap tells the consumer that events may be missing between After and Next.
type Gap struct {
	Reason GapReason `json:"reason"`
	After  int64     `json:"after,omitempty"`
	Next   int64     `json:"next,omitempty"`
}
