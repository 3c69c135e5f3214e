package bybit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/apd/v3"

	"exlink/pkg/core"
	"exlink/pkg/subscription"
	"exlink/pkg/ws"
)

// Private topics.
const (
	TopicOrder     = "order"
	TopicExecution = "execution"
	TopicWallet    = "wallet"
)

// envelope is the common shape of private pushes; data is decoded per topic.
type envelope[T any] struct {
	Topic        string `json:"topic"`
	CreationTime int64  `json:"creationTime"`
	Data         []T    `json:"data"`
}

type bybitOrder struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	CumExecFee  string `json:"cumExecFee"`
	AvgPrice    string `json:"avgPrice"`
	OrderStatus string `json:"orderStatus"`
	FeeCurrency string `json:"feeCurrency"`
	UpdatedTime string `json:"updatedTime"`
}

type bybitExecution struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderPrice  string `json:"orderPrice"`
	OrderQty    string `json:"orderQty"`
	LeavesQty   string `json:"leavesQty"`
	ExecID      string `json:"execId"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	FeeCurrency string `json:"feeCurrency"`
	ExecType    string `json:"execType"`
	ExecTime    string `json:"execTime"`
}

type bybitWallet struct {
	AccountType string      `json:"accountType"`
	Coin        []bybitCoin `json:"coin"`
}

type bybitCoin struct {
	Coin          string `json:"coin"`
	WalletBalance string `json:"walletBalance"`
	Locked        string `json:"locked"`
}

// Normalizer decodes the order, execution and wallet topics.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

func (n *Normalizer) Decode(route subscription.Route, msg ws.Message) ([]core.Event, error) {
	switch route.Channel {
	case TopicOrder:
		var env envelope[bybitOrder]
		if err := sonic.Unmarshal(msg.Raw, &env); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", route.Channel, err)
		}
		events := make([]core.Event, 0, len(env.Data))
		for i := range env.Data {
			order, err := n.NormalizeOrder(&env.Data[i])
			if err != nil {
				return nil, err
			}
			events = append(events, core.Event{
				Kind:    core.EventOrderUpdate,
				Channel: route.Channel,
				Time:    time.UnixMilli(env.CreationTime),
				Order:   order,
			})
		}
		return events, nil

	case TopicExecution:
		var env envelope[bybitExecution]
		if err := sonic.Unmarshal(msg.Raw, &env); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", route.Channel, err)
		}
		events := make([]core.Event, 0, len(env.Data))
		for i := range env.Data {
			if env.Data[i].ExecType != "Trade" {
				continue
			}
			order, err := n.NormalizeExecution(&env.Data[i])
			if err != nil {
				return nil, err
			}
			events = append(events, core.Event{
				Kind:    core.EventOrderUpdate,
				Channel: route.Channel,
				Time:    time.UnixMilli(env.CreationTime),
				Order:   order,
			})
		}
		return events, nil

	case TopicWallet:
		var env envelope[bybitWallet]
		if err := sonic.Unmarshal(msg.Raw, &env); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", route.Channel, err)
		}
		update := &core.BalanceUpdate{}
		for _, w := range env.Data {
			for _, c := range w.Coin {
				b, err := n.NormalizeCoin(&c)
				if err != nil {
					return nil, err
				}
				update.Balances = append(update.Balances, b)
			}
		}
		return []core.Event{{
			Kind:    core.EventBalanceUpdate,
			Channel: route.Channel,
			Time:    time.UnixMilli(env.CreationTime),
			Balance: update,
		}}, nil
	}
	return nil, fmt.Errorf("unexpected topic %q", route.Topic)
}

func (n *Normalizer) NormalizeOrder(data *bybitOrder) (*core.OrderUpdate, error) {
	order := &core.OrderUpdate{
		Symbol:        data.Symbol,
		OrderID:       data.OrderID,
		ClientOrderID: data.OrderLinkID,
		Side:          parseSide(data.Side),
		Type:          data.OrderType,
		Status:        parseOrderStatus(data.OrderStatus),
		FeeAsset:      data.FeeCurrency,
		UpdatedAt:     parseMillis(data.UpdatedTime),
	}
	if err := parseDecimals(
		decimalField{&order.Price, data.Price, "price"},
		decimalField{&order.Quantity, data.Qty, "qty"},
		decimalField{&order.Filled, data.CumExecQty, "cumExecQty"},
		decimalField{&order.Fee, data.CumExecFee, "cumExecFee"},
	); err != nil {
		return nil, err
	}
	return order, nil
}

// NormalizeExecution reports a fill. Filled is derived from orderQty minus
// leavesQty since executions do not carry the cumulative quantity.
func (n *Normalizer) NormalizeExecution(data *bybitExecution) (*core.OrderUpdate, error) {
	order := &core.OrderUpdate{
		Symbol:        data.Symbol,
		OrderID:       data.OrderID,
		ClientOrderID: data.OrderLinkID,
		Side:          parseSide(data.Side),
		Type:          data.OrderType,
		Status:        core.StatusPartiallyFilled,
		FeeAsset:      data.FeeCurrency,
		TradeID:       data.ExecID,
		UpdatedAt:     parseMillis(data.ExecTime),
	}
	var leaves apd.Decimal
	if err := parseDecimals(
		decimalField{&order.Price, data.OrderPrice, "orderPrice"},
		decimalField{&order.Quantity, data.OrderQty, "orderQty"},
		decimalField{&order.LastFillPrice, data.ExecPrice, "execPrice"},
		decimalField{&order.LastFillQuantity, data.ExecQty, "execQty"},
		decimalField{&order.Fee, data.ExecFee, "execFee"},
		decimalField{&leaves, data.LeavesQty, "leavesQty"},
	); err != nil {
		return nil, err
	}
	if _, err := apd.BaseContext.Sub(&order.Filled, &order.Quantity, &leaves); err != nil {
		return nil, fmt.Errorf("filled: %w", err)
	}
	if leaves.IsZero() {
		order.Status = core.StatusFilled
	}
	return order, nil
}

// NormalizeCoin reports absolute balances: Total is the wallet balance and
// Free is what is not locked.
func (n *Normalizer) NormalizeCoin(data *bybitCoin) (core.Balance, error) {
	b := core.Balance{Asset: data.Coin}
	if err := parseDecimals(
		decimalField{&b.Total, data.WalletBalance, "walletBalance"},
		decimalField{&b.Locked, data.Locked, "locked"},
	); err != nil {
		return core.Balance{}, fmt.Errorf("%s: %w", data.Coin, err)
	}
	if _, err := apd.BaseContext.Sub(&b.Free, &b.Total, &b.Locked); err != nil {
		return core.Balance{}, fmt.Errorf("%s free: %w", data.Coin, err)
	}
	return b, nil
}

type decimalField struct {
	dest *apd.Decimal
	src  string
	name string
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		if f.src == "" {
			*f.dest = apd.Decimal{}
			continue
		}
		if _, _, err := apd.BaseContext.SetString(f.dest, f.src); err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
	}
	return nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseSide(s string) core.OrderSide {
	if s == "Sell" {
		return core.SideSell
	}
	return core.SideBuy
}

func parseOrderStatus(s string) core.OrderStatus {
	switch s {
	case "New", "Created", "Untriggered", "Triggered":
		return core.StatusNew
	case "PartiallyFilled":
		return core.StatusPartiallyFilled
	case "Filled":
		return core.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return core.StatusCanceled
	case "Rejected":
		return core.StatusRejected
	case "Deactivated":
		return core.StatusExpired
	}
	return core.StatusUnknown
}
