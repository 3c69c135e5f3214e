package subscription

import "strings"

// Schema names the fields and operations of an exchange's control frames.
// Nothing about the wire format is hard-coded in the manager.
type Schema struct {
	OpField      string
	ArgsField    string
	IDField      string
	TopicField   string
	EventField   string
	SymbolField  string
	SuccessField string
	MessageField string
	ResultField  string
	ErrorField   string

	SubscribeOp   string
	UnsubscribeOp string
	PingOp        string
	PongOp        string
	LoginOp       string

	TopicSeparator string
	// SymbolFirst builds topics as symbol+sep+channel.
	SymbolFirst bool
	LowerSymbol bool
	// MaxArgsPerRequest splits large subscriptions; zero means unlimited.
	MaxArgsPerRequest int
}

// OpSchema describes {"op": ..., "args": [...]} style sockets (Bybit, OKX).
func OpSchema() Schema {
	return Schema{
		OpField:           "op",
		ArgsField:         "args",
		IDField:           "req_id",
		TopicField:        "topic",
		SuccessField:      "success",
		MessageField:      "ret_msg",
		SubscribeOp:       "subscribe",
		UnsubscribeOp:     "unsubscribe",
		PingOp:            "ping",
		PongOp:            "pong",
		LoginOp:           "auth",
		TopicSeparator:    ".",
		MaxArgsPerRequest: 10,
	}
}

// MethodSchema describes {"method": ..., "params": [...], "id": ...} style
// sockets (Binance).
func MethodSchema() Schema {
	return Schema{
		OpField:        "method",
		ArgsField:      "params",
		IDField:        "id",
		TopicField:     "stream",
		EventField:     "e",
		SymbolField:    "s",
		MessageField:   "msg",
		ResultField:    "result",
		ErrorField:     "error",
		SubscribeOp:    "SUBSCRIBE",
		UnsubscribeOp:  "UNSUBSCRIBE",
		TopicSeparator: "@",
		SymbolFirst:    true,
		LowerSymbol:    true,
	}
}

// Topic builds the wire name of a channel for one symbol.
func (s Schema) Topic(channel, symbol string) string {
	if symbol == "" {
		return channel
	}
	if s.LowerSymbol {
		symbol = strings.ToLower(symbol)
	}
	if s.SymbolFirst {
		return symbol + s.TopicSeparator + channel
	}
	return channel + s.TopicSeparator + symbol
}

// SplitTopic is the inverse of Topic. A topic without separator is a channel.
func (s Schema) SplitTopic(topic string) (channel, symbol string) {
	if s.TopicSeparator == "" {
		return topic, ""
	}
	if s.SymbolFirst {
		i := strings.Index(topic, s.TopicSeparator)
		if i < 0 {
			return topic, ""
		}
		return topic[i+len(s.TopicSeparator):], topic[:i]
	}
	i := strings.LastIndex(topic, s.TopicSeparator)
	if i < 0 {
		return topic, ""
	}
	return topic[:i], topic[i+len(s.TopicSeparator):]
}

// Request builds a control frame for op with the given args.
func (s Schema) Request(op string, args []string, id string) map[string]any {
	frame := map[string]any{s.OpField: op}
	if args != nil {
		frame[s.ArgsField] = args
	}
	if id != "" && s.IDField != "" {
		frame[s.IDField] = id
	}
	return frame
}

// LoginPayload is the unsigned login frame handed to the authenticator.
func (s Schema) LoginPayload() map[string]any {
	return map[string]any{s.OpField: s.LoginOp}
}

// Pong builds the reply to a ping route. It returns nil when the schema has
// no application pong.
func (s Schema) Pong(ping Route) []byte {
	if s.PongOp == "" {
		return nil
	}
	if ping.Raw {
		return []byte(s.PongOp)
	}
	frame := map[string]any{s.OpField: s.PongOp}
	if ping.ID != "" && s.IDField != "" {
		frame[s.IDField] = ping.ID
	}
	data, err := marshal(frame)
	if err != nil {
		return nil
	}
	return data
}

func (s Schema) chunks(topics []string) [][]string {
	if s.MaxArgsPerRequest <= 0 || len(topics) <= s.MaxArgsPerRequest {
		return [][]string{topics}
	}
	var out [][]string
	for len(topics) > 0 {
		n := min(s.MaxArgsPerRequest, len(topics))
		out = append(out, topics[:n])
		topics = topics[n:]
	}
	return out
}
