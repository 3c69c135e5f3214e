// Package subscription keeps the set of channels a socket should be subscribed
// to, replays it after every reconnect and routes inbound control frames.
package subscription

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"exlink/pkg/core"
	"exlink/pkg/metrics"
	"exlink/pkg/ws"
)

// State of one desired subscription on the current connection.
type State int

const (
	StatePending State = iota
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAcked:
		return "acked"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type Subscription struct {
	Channel string
	Symbol  string
	Topic   string
	State   State
}

// Rejection reports a subscription the server refused.
type Rejection struct {
	Subscription Subscription
	Err          error
}

// Sender is the socket the manager writes to. *ws.Session implements it.
type Sender interface {
	Send(ctx context.Context, v any) error
	Epoch() uint64
	IsConnected() bool
}

// Manager is safe for concurrent use.
type Manager struct {
	schema   Schema
	sender   Sender
	exchange string
	logger   zerolog.Logger
	metrics  *metrics.Collectors

	mu      sync.Mutex
	order   []string
	desired map[string]*Subscription
	pending map[string][]string
	synced  uint64

	onRejected func(Rejection)
}

type Option func(*Manager)

func WithExchange(name string) Option {
	return func(m *Manager) { m.exchange = name }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) { m.metrics = c }
}

func NewManager(schema Schema, sender Sender, opts ...Option) *Manager {
	m := &Manager{
		schema:  schema,
		sender:  sender,
		logger:  zerolog.Nop(),
		desired: make(map[string]*Subscription),
		pending: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnRejected sets the callback invoked once for every subscription the server
// rejects. It runs on the routing goroutine.
func (m *Manager) OnRejected(fn func(Rejection)) {
	m.mu.Lock()
	m.onRejected = fn
	m.mu.Unlock()
}

func (m *Manager) topics(channel string, symbols []string) []Subscription {
	if len(symbols) == 0 {
		return []Subscription{{Channel: channel, Topic: m.schema.Topic(channel, "")}}
	}
	subs := make([]Subscription, 0, len(symbols))
	for _, sym := range symbols {
		subs = append(subs, Subscription{Channel: channel, Symbol: sym, Topic: m.schema.Topic(channel, sym)})
	}
	return subs
}

// live reports whether the current connection has been synced, so changes
// must be sent now rather than left for the next Sync.
func (m *Manager) live() bool {
	return m.synced != 0 && m.synced == m.sender.Epoch() && m.sender.IsConnected()
}

// Subscribe adds channel for each symbol (or the bare channel) to the desired
// set and sends a subscribe request when the socket is live.
func (m *Manager) Subscribe(ctx context.Context, channel string, symbols ...string) error {
	m.mu.Lock()
	var added []string
	for _, sub := range m.topics(channel, symbols) {
		if _, ok := m.desired[sub.Topic]; ok {
			continue
		}
		s := sub
		m.desired[s.Topic] = &s
		m.order = append(m.order, s.Topic)
		added = append(added, s.Topic)
	}
	live := m.live()
	m.mu.Unlock()

	if len(added) == 0 || !live {
		return nil
	}
	return m.send(ctx, m.schema.SubscribeOp, added)
}

// Unsubscribe removes the topics from the desired set and sends an
// unsubscribe request when the socket is live.
func (m *Manager) Unsubscribe(ctx context.Context, channel string, symbols ...string) error {
	m.mu.Lock()
	var removed []string
	for _, sub := range m.topics(channel, symbols) {
		if _, ok := m.desired[sub.Topic]; !ok {
			continue
		}
		m.removeLocked(sub.Topic)
		removed = append(removed, sub.Topic)
	}
	live := m.live()
	m.mu.Unlock()

	if len(removed) == 0 || !live || m.schema.UnsubscribeOp == "" {
		return nil
	}
	for _, chunk := range m.schema.chunks(removed) {
		if err := m.sender.Send(ctx, m.schema.Request(m.schema.UnsubscribeOp, chunk, uuid.NewString())); err != nil {
			return fmt.Errorf("send unsubscribe: %w", err)
		}
	}
	return nil
}

func (m *Manager) removeLocked(topic string) {
	delete(m.desired, topic)
	m.order = slices.DeleteFunc(m.order, func(t string) bool { return t == topic })
	for id, topics := range m.pending {
		topics = slices.DeleteFunc(topics, func(t string) bool { return t == topic })
		if len(topics) == 0 {
			delete(m.pending, id)
		} else {
			m.pending[id] = topics
		}
	}
}

func (m *Manager) send(ctx context.Context, op string, topics []string) error {
	for _, chunk := range m.schema.chunks(topics) {
		id := uuid.NewString()
		m.mu.Lock()
		m.pending[id] = slices.Clone(chunk)
		m.mu.Unlock()

		if err := m.sender.Send(ctx, m.schema.Request(op, chunk, id)); err != nil {
			m.mu.Lock()
			delete(m.pending, id)
			m.mu.Unlock()
			return fmt.Errorf("send %s: %w", op, err)
		}
		m.logger.Debug().
			Str("op", op).
			Strs("topics", chunk).
			Str("id", id).
			Msg("subscription request sent")
	}
	return nil
}

// Sync replays the desired set when the sender's epoch has moved since the
// last sync. Every subscription goes back to Pending first.
func (m *Manager) Sync(ctx context.Context) error {
	epoch := m.sender.Epoch()

	m.mu.Lock()
	if epoch == m.synced {
		m.mu.Unlock()
		return nil
	}
	m.synced = epoch
	clear(m.pending)
	for _, sub := range m.desired {
		sub.State = StatePending
	}
	topics := slices.Clone(m.order)
	m.mu.Unlock()

	if len(topics) == 0 {
		return nil
	}
	m.logger.Info().
		Uint64("epoch", epoch).
		Int("topics", len(topics)).
		Msg("resubscribing")

	if err := m.send(ctx, m.schema.SubscribeOp, topics); err != nil {
		m.mu.Lock()
		m.synced = 0
		m.mu.Unlock()
		return err
	}
	return nil
}

// Route classifies msg and applies acks and rejections to the desired set.
// ctx bounds any request the routing has to resend.
func (m *Manager) Route(ctx context.Context, msg ws.Message) Route {
	r := Classify(m.schema, msg)
	switch r.Kind {
	case RouteAck:
		m.ack(r)
	case RouteError:
		m.reject(ctx, r)
	}
	return r
}

func (m *Manager) ack(r Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics, ok := m.pending[r.ID]
	if !ok {
		return
	}
	delete(m.pending, r.ID)
	for _, t := range topics {
		if sub, ok := m.desired[t]; ok {
			sub.State = StateAcked
		}
	}
}

// reject fails the topic the error names, or the only topic of the request.
// A rejected batch that does not name a topic is split and every topic is
// resent on its own, so one bad symbol cannot take valid ones down with it.
func (m *Manager) reject(ctx context.Context, r Route) {
	m.mu.Lock()
	batch, ok := m.pending[r.ID]
	if !ok && r.Topic == "" {
		m.mu.Unlock()
		m.logger.Warn().Str("id", r.ID).Str("message", r.Message).Msg("unmatched subscription error")
		return
	}
	delete(m.pending, r.ID)

	var failed, retry []string
	switch {
	case r.Topic != "":
		failed = []string{r.Topic}
		retry = slices.DeleteFunc(slices.Clone(batch), func(t string) bool { return t == r.Topic })
	case len(batch) == 1:
		failed = batch
	default:
		retry = batch
	}
	retry = slices.DeleteFunc(retry, func(t string) bool {
		_, desired := m.desired[t]
		return !desired
	})

	var rejected []Rejection
	for _, t := range failed {
		sub, ok := m.desired[t]
		if !ok {
			continue
		}
		sub.State = StateFailed
		snapshot := *sub
		m.removeLocked(t)
		rejected = append(rejected, Rejection{
			Subscription: snapshot,
			Err: core.NewExchangeError(m.exchange, core.ErrorTypeSubscriptionRejected, 0,
				fmt.Sprintf("%s: %s", t, r.Message)),
		})
	}
	callback := m.onRejected
	m.mu.Unlock()

	for _, rej := range rejected {
		m.metrics.IncSubscriptionRejected(m.exchange, rej.Subscription.Channel)
		m.logger.Warn().
			Str("topic", rej.Subscription.Topic).
			Str("message", r.Message).
			Msg("subscription rejected")
		if callback != nil {
			callback(rej)
		}
	}

	if len(retry) == 0 {
		return
	}
	m.logger.Warn().
		Strs("topics", retry).
		Str("message", r.Message).
		Msg("subscription batch rejected, resending topics one by one")
	for _, t := range retry {
		if err := m.send(ctx, m.schema.SubscribeOp, []string{t}); err != nil {
			m.logger.Warn().Err(err).Str("topic", t).Msg("resend subscription")
			return
		}
	}
}

// Reset drops the state tied to the current connection so the next Sync
// resubscribes even if the epoch did not change.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.pending)
	m.synced = 0
	for _, sub := range m.desired {
		sub.State = StatePending
	}
}

// Subscriptions returns the desired set in subscription order.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.order))
	for _, t := range m.order {
		out = append(out, *m.desired[t])
	}
	return out
}

// Pending returns the number of requests still awaiting an answer.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
