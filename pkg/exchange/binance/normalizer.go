package binance

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

// User data stream event names.
const (
	EventExecutionReport   = "executionReport"
	EventAccountPosition   = "outboundAccountPosition"
	EventBalanceUpdate     = "balanceUpdate"
	EventListenKeyExpired  = "listenKeyExpired"
	EventExternalLockEvent = "externalLockUpdate"
)

// executionReport is an order update from the user data stream. Keys that
// differ only in case are all declared, otherwise the decoder folds them onto
// the wrong field.
type executionReport struct {
	EventType        string `json:"e"`
	EventTime        int64  `json:"E"`
	Symbol           string `json:"s"`
	ClientOrderID    string `json:"c"`
	OrigClientID     string `json:"C"`
	Side             string `json:"S"`
	OrderType        string `json:"o"`
	TimeInForce      string `json:"f"`
	Quantity         string `json:"q"`
	Price            string `json:"p"`
	StopPrice        string `json:"P"`
	IcebergQuantity  string `json:"F"`
	ExecutionType    string `json:"x"`
	Status           string `json:"X"`
	RejectReason     string `json:"r"`
	OrderID          int64  `json:"i"`
	Ignore           int64  `json:"I"`
	LastFillQuantity string `json:"l"`
	Filled           string `json:"z"`
	LastFillPrice    string `json:"L"`
	Commission       string `json:"n"`
	CommissionAsset  string `json:"N"`
	TransactionTime  int64  `json:"T"`
	TradeID          int64  `json:"t"`
	PreventedMatchID int64  `json:"v"`
	STPMode          string `json:"V"`
	Working          bool   `json:"w"`
	WorkingTime      int64  `json:"W"`
	Maker            bool   `json:"m"`
	IgnoreM          bool   `json:"M"`
	CreatedAt        int64  `json:"O"`
	QuoteFilled      string `json:"Z"`
	LastQuoteQty     string `json:"Y"`
	QuoteQuantity    string `json:"Q"`
}

type accountPosition struct {
	EventType  string `json:"e"`
	EventTime  int64  `json:"E"`
	LastUpdate int64  `json:"u"`
	Balances   []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

type balanceUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Asset     string `json:"a"`
	Delta     string `json:"d"`
	ClearTime int64  `json:"T"`
}

// Normalizer converts user data stream frames into events.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Decode implements userstream.Decoder. A listenKeyExpired frame is returned
// as a connection-lost error so the stream is rebuilt with a fresh key.
func (n *Normalizer) Decode(route subscription.Route, msg ws.Message) ([]core.Event, error) {
	switch route.Channel {
	case EventExecutionReport:
		var data executionReport
		if err := sonic.Unmarshal(msg.Raw, &data); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", route.Channel, err)
		}
		order, err := n.NormalizeExecutionReport(&data)
		if err != nil {
			return nil, err
		}
		return []core.Event{{
			Kind:    core.EventOrderUpdate,
			Channel: route.Channel,
			Time:    time.UnixMilli(data.EventTime),
			Order:   order,
		}}, nil

	case EventAccountPosition:
		var data accountPosition
		if err := sonic.Unmarshal(msg.Raw, &data); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", route.Channel, err)
		}
		balances, err := n.NormalizeAccountPosition(&data)
		if err != nil {
			return nil, err
		}
		return []core.Event{{
			Kind:    core.EventBalanceUpdate,
			Channel: route.Channel,
			Time:    time.UnixMilli(data.EventTime),
			Balance: balances,
		}}, nil

	case EventBalanceUpdate:
		var data balanceUpdate
		if err := sonic.Unmarshal(msg.Raw, &data); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", route.Channel, err)
		}
		b := core.Balance{Asset: data.Asset}
		if err := parseDecimal(&b.Free, data.Delta); err != nil {
			return nil, fmt.Errorf("balance delta: %w", err)
		}
		b.Total.Set(&b.Free)
		return []core.Event{{
			Kind:    core.EventBalanceUpdate,
			Channel: route.Channel,
			Time:    time.UnixMilli(data.EventTime),
			Balance: &core.BalanceUpdate{Balances: []core.Balance{b}, Delta: true},
		}}, nil

	case EventListenKeyExpired:
		return nil, core.NewExchangeError(Name, core.ErrorTypeConnectionLost, 0, "listen key expired").
			WithCode(string(core.ErrCodeListenKeyExpired))

	case EventExternalLockEvent:
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected user data event %q", route.Channel)
}

// NormalizeExecutionReport maps an execution report to an order update. For
// cancellations the original client id is reported.
func (n *Normalizer) NormalizeExecutionReport(data *executionReport) (*core.OrderUpdate, error) {
	order := &core.OrderUpdate{
		Symbol:        data.Symbol,
		OrderID:       strconv.FormatInt(data.OrderID, 10),
		ClientOrderID: data.ClientOrderID,
		Side:          parseOrderSide(data.Side),
		Type:          data.OrderType,
		Status:        parseOrderStatus(data.Status),
		FeeAsset:      data.CommissionAsset,
		UpdatedAt:     time.UnixMilli(data.TransactionTime),
	}
	if data.ExecutionType == "CANCELED" && data.OrigClientID != "" {
		order.ClientOrderID = data.OrigClientID
	}
	if data.TradeID > 0 {
		order.TradeID = strconv.FormatInt(data.TradeID, 10)
	}

	fields := []struct {
		dest *apd.Decimal
		src  string
		name string
	}{
		{&order.Price, data.Price, "price"},
		{&order.Quantity, data.Quantity, "quantity"},
		{&order.Filled, data.Filled, "filled"},
		{&order.LastFillPrice, data.LastFillPrice, "last fill price"},
		{&order.LastFillQuantity, data.LastFillQuantity, "last fill quantity"},
		{&order.Fee, data.Commission, "commission"},
	}
	for _, f := range fields {
		if err := parseDecimal(f.dest, f.src); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
	}
	return order, nil
}

// NormalizeAccountPosition reports absolute balances; Total is Free plus Locked.
func (n *Normalizer) NormalizeAccountPosition(data *accountPosition) (*core.BalanceUpdate, error) {
	update := &core.BalanceUpdate{Balances: make([]core.Balance, 0, len(data.Balances))}
	for _, raw := range data.Balances {
		b := core.Balance{Asset: raw.Asset}
		if err := parseDecimal(&b.Free, raw.Free); err != nil {
			return nil, fmt.Errorf("parse free %s: %w", raw.Asset, err)
		}
		if err := parseDecimal(&b.Locked, raw.Locked); err != nil {
			return nil, fmt.Errorf("parse locked %s: %w", raw.Asset, err)
		}
		if _, err := apd.BaseContext.Add(&b.Total, &b.Free, &b.Locked); err != nil {
			return nil, fmt.Errorf("total %s: %w", raw.Asset, err)
		}
		update.Balances = append(update.Balances, b)
	}
	return update, nil
}

func parseDecimal(dest *apd.Decimal, s string) error {
	if s == "" {
		*dest = apd.Decimal{}
		return nil
	}

	_, _, err := apd.BaseContext.SetString(dest, s)
	if err != nil {
		return fmt.Errorf("set decimal from string: %w", err)
	}

	return nil
}

func parseOrderSide(s string) core.OrderSide {
	switch s {
	case "SELL":
		return core.SideSell
	default:
		return core.SideBuy
	}
}

func parseOrderStatus(s string) core.OrderStatus {
	switch s {
	case "NEW", "PENDING_NEW":
		return core.StatusNew
	case "PARTIALLY_FILLED":
		return core.StatusPartiallyFilled
	case "FILLED":
		return core.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return core.StatusCanceled
	case "REJECTED":
		return core.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return core.StatusExpired
	default:
		return core.StatusUnknown
	}
}
