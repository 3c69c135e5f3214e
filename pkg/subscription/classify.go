package subscription

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"exlink/pkg/ws"
)

// Kind is the category of an inbound frame.
type Kind int

const (
	RouteUnknown Kind = iota
	RouteData
	RoutePing
	RoutePong
	RouteAck
	RouteError
	RouteLogin
)

func (k Kind) String() string {
	switch k {
	case RouteData:
		return "data"
	case RoutePing:
		return "ping"
	case RoutePong:
		return "pong"
	case RouteAck:
		return "ack"
	case RouteError:
		return "error"
	case RouteLogin:
		return "login"
	}
	return "unknown"
}

// Route is the classification of one frame.
type Route struct {
	Kind    Kind
	Channel string
	Symbol  string
	Topic   string
	ID      string
	Success bool
	Message string
	// Raw is set for plain-text control frames such as "ping".
	Raw bool
}

// Classify inspects msg against schema. Control frames are recognised before
// data frames; it never mutates msg.
func Classify(schema Schema, msg ws.Message) Route {
	obj, ok := msg.Object()
	if !ok {
		text := strings.TrimSpace(msg.Text())
		switch {
		case text == "":
		case schema.PingOp != "" && strings.EqualFold(text, schema.PingOp):
			return Route{Kind: RoutePing, Raw: true}
		case schema.PongOp != "" && strings.EqualFold(text, schema.PongOp):
			return Route{Kind: RoutePong, Raw: true}
		}
		return Route{Kind: RouteUnknown}
	}

	id := stringField(obj, schema.IDField)
	op := stringField(obj, schema.OpField)

	if op != "" {
		success, hasSuccess := boolField(obj, schema.SuccessField)
		msgText := stringField(obj, schema.MessageField)
		r := Route{ID: id, Success: success, Message: msgText}
		switch {
		case op == schema.LoginOp && schema.LoginOp != "":
			r.Kind = RouteLogin
			return r
		case hasSuccess && (op == schema.SubscribeOp || op == schema.UnsubscribeOp):
			r.Kind = RouteAck
			if !success {
				r.Kind = RouteError
			}
			return r
		case op == schema.PingOp && hasSuccess:
			// The server's answer to our ping.
			r.Kind = RoutePong
			return r
		case op == schema.PingOp:
			r.Kind = RoutePing
			return r
		case op == schema.PongOp:
			r.Kind = RoutePong
			return r
		}
	}

	if id != "" {
		if errVal, ok := obj[schema.ErrorField]; ok && schema.ErrorField != "" && errVal != nil {
			return Route{Kind: RouteError, ID: id, Message: errorMessage(schema, errVal)}
		}
		if _, ok := obj[schema.ResultField]; ok && schema.ResultField != "" {
			return Route{Kind: RouteAck, ID: id, Success: true}
		}
	}

	if topic := stringField(obj, schema.TopicField); topic != "" {
		channel, symbol := schema.SplitTopic(topic)
		return Route{Kind: RouteData, Topic: topic, Channel: channel, Symbol: symbol}
	}
	if event := stringField(obj, schema.EventField); event != "" {
		symbol := stringField(obj, schema.SymbolField)
		return Route{Kind: RouteData, Channel: event, Symbol: symbol, Topic: schema.Topic(event, symbol)}
	}
	return Route{Kind: RouteUnknown, ID: id}
}

func stringField(obj map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := obj[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}

func boolField(obj map[string]any, key string) (bool, bool) {
	if key == "" {
		return false, false
	}
	v, ok := obj[key].(bool)
	return v, ok
}

func errorMessage(schema Schema, v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		if m := stringField(e, schema.MessageField); m != "" {
			return m
		}
		if m := stringField(e, "message"); m != "" {
			return m
		}
	}
	return fmt.Sprint(v)
}

func marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}
