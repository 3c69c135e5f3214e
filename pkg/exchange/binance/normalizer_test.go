package binance

import (
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exlink/pkg/core"
	"exlink/pkg/subscription"
	"exlink/pkg/ws"
)

func frame(raw string) ws.Message {
	msg := ws.Message{Raw: []byte(raw)}
	var data any
	if err := sonic.UnmarshalString(raw, &data); err == nil {
		msg.Data = data
	}
	return msg
}

func decode(t *testing.T, raw string) ([]core.Event, error) {
	t.Helper()
	msg := frame(raw)
	route := subscription.Classify(subscription.MethodSchema(), msg)
	require.Equal(t, subscription.RouteData, route.Kind)
	return NewNormalizer().Decode(route, msg)
}

func assertDecimal(t *testing.T, want string, got *apd.Decimal) {
	t.Helper()
	w, _, err := apd.NewFromString(want)
	require.NoError(t, err)
	assert.Zero(t, w.Cmp(got), "want %s, got %s", want, got.String())
}

const executionReportFill = `{
	"e": "executionReport", "E": 1499405658658, "s": "ETHBTC", "c": "mUvoqJxFIILMdfAW5iGSOW",
	"S": "BUY", "o": "LIMIT", "f": "GTC", "q": "1.00000000", "p": "0.10264410", "P": "0.00000000",
	"F": "0.00000000", "g": -1, "C": "", "x": "TRADE", "X": "PARTIALLY_FILLED", "r": "NONE",
	"i": 4293153, "l": "0.40000000", "z": "0.40000000", "L": "0.10264410", "n": "0.00040000",
	"N": "ETH", "T": 1499405658657, "t": 1234, "I": 8641984, "w": false, "m": false, "M": true,
	"O": 1499405658657, "Z": "0.04105764", "Y": "0.04105764", "Q": "0.00000000",
	"W": 1499405658657, "V": "NONE"
}`

func TestNormalizer_ExecutionReport(t *testing.T) {
	events, err := decode(t, executionReportFill)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, core.EventOrderUpdate, ev.Kind)
	assert.Equal(t, EventExecutionReport, ev.Channel)
	assert.Equal(t, time.UnixMilli(1499405658658), ev.Time)

	order := ev.Order
	require.NotNil(t, order)
	assert.Equal(t, "ETHBTC", order.Symbol)
	assert.Equal(t, "4293153", order.OrderID)
	assert.Equal(t, "mUvoqJxFIILMdfAW5iGSOW", order.ClientOrderID)
	assert.Equal(t, core.SideBuy, order.Side)
	assert.Equal(t, "LIMIT", order.Type)
	assert.Equal(t, core.StatusPartiallyFilled, order.Status)
	assert.Equal(t, "1234", order.TradeID)
	assert.Equal(t, "ETH", order.FeeAsset)
	assert.Equal(t, time.UnixMilli(1499405658657), order.UpdatedAt)

	assertDecimal(t, "0.1026441", &order.Price)
	assertDecimal(t, "1", &order.Quantity)
	assertDecimal(t, "0.4", &order.Filled)
	assertDecimal(t, "0.4", &order.LastFillQuantity)
	assertDecimal(t, "0.1026441", &order.LastFillPrice)
	assertDecimal(t, "0.0004", &order.Fee)
}

func TestNormalizer_CanceledUsesOriginalClientID(t *testing.T) {
	raw := `{"e":"executionReport","E":1,"s":"BTCUSDT","c":"web_cancel","C":"my-order-1","S":"SELL",` +
		`"o":"LIMIT","q":"1","p":"100","x":"CANCELED","X":"CANCELED","i":7,"l":"0","z":"0","L":"0",` +
		`"n":"0","N":null,"T":2,"t":-1}`
	events, err := decode(t, raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	order := events[0].Order
	assert.Equal(t, "my-order-1", order.ClientOrderID)
	assert.Equal(t, core.SideSell, order.Side)
	assert.Equal(t, core.StatusCanceled, order.Status)
	assert.Empty(t, order.TradeID)
}

func TestNormalizer_AccountPosition(t *testing.T) {
	raw := `{"e":"outboundAccountPosition","E":1564034571105,"u":1564034571073,` +
		`"B":[{"a":"ETH","f":"10000.000000","l":"0.000000"},{"a":"BTC","f":"1.5","l":"0.25"}]}`
	events, err := decode(t, raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, core.EventBalanceUpdate, ev.Kind)
	require.NotNil(t, ev.Balance)
	assert.False(t, ev.Balance.Delta)
	require.Len(t, ev.Balance.Balances, 2)

	btc := ev.Balance.Balances[1]
	assert.Equal(t, "BTC", btc.Asset)
	assertDecimal(t, "1.5", &btc.Free)
	assertDecimal(t, "0.25", &btc.Locked)
	assertDecimal(t, "1.75", &btc.Total)
}

func TestNormalizer_BalanceDelta(t *testing.T) {
	raw := `{"e":"balanceUpdate","E":1573200697110,"a":"BTC","d":"100.00000000","T":1573200697068}`
	events, err := decode(t, raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	update := events[0].Balance
	require.NotNil(t, update)
	assert.True(t, update.Delta)
	require.Len(t, update.Balances, 1)
	assert.Equal(t, "BTC", update.Balances[0].Asset)
	assertDecimal(t, "100", &update.Balances[0].Free)
}

func TestNormalizer_ListenKeyExpired(t *testing.T) {
	events, err := decode(t, `{"e":"listenKeyExpired","E":1576653824250,"listenKey":"OfYGbUzi3PraNagEkdKuFwUHn48brFsItTdsuiIXrucEvD0rhRXZ7I6URWfE8YE8"}`)
	assert.Nil(t, events)
	require.Error(t, err)
	assert.True(t, core.IsConnectionLost(err))
	assert.True(t, core.IsErrorCode(err, core.ErrCodeListenKeyExpired))
}

func TestNormalizer_IgnoredAndUnknown(t *testing.T) {
	events, err := decode(t, `{"e":"externalLockUpdate","E":1581557507324,"a":"NEO","d":"10.00000000","T":1581557507268}`)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = decode(t, `{"e":"eventStreamTerminated","E":1728973001334}`)
	assert.Error(t, err)
}

func TestNormalizer_MalformedDecimal(t *testing.T) {
	raw := `{"e":"executionReport","E":1,"s":"BTCUSDT","c":"x","S":"BUY","o":"LIMIT","q":"abc","p":"1",` +
		`"x":"NEW","X":"NEW","i":1,"T":1}`
	_, err := decode(t, raw)
	assert.ErrorContains(t, err, "quantity")
}

func TestParseOrderStatus(t *testing.T) {
	tests := map[string]core.OrderStatus{
		"NEW":              core.StatusNew,
		"PARTIALLY_FILLED": core.StatusPartiallyFilled,
		"FILLED":           core.StatusFilled,
		"CANCELED":         core.StatusCanceled,
		"REJECTED":         core.StatusRejected,
		"EXPIRED":          core.StatusExpired,
		"EXPIRED_IN_MATCH": core.StatusExpired,
		"SOMETHING_ELSE":   core.StatusUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseOrderStatus(in), in)
	}
}
