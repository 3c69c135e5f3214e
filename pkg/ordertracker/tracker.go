// Package ordertracker folds order updates from a user stream into the latest
// known state of every order. Updates that would move an order backwards, such
// as a partial fill replayed after the fill that completed it, are ignored. A
// gap in the stream marks the tracker stale until the caller reconciles.
package ordertracker

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"exlink/pkg/core"
	"exlink/pkg/userstream"
)

type UpdateFunc func(order core.OrderUpdate)

// DefaultMaxTerminal is how many finished orders are kept for lookups.
const DefaultMaxTerminal = 10000

type Tracker struct {
	mu        sync.RWMutex
	orders    map[string]*core.OrderUpdate
	clientIDs map[string]string
	// terminal holds finished order ids, oldest first.
	terminal    []string
	maxTerminal int
	stale       bool

	callbacks   []UpdateFunc
	callbacksMu sync.RWMutex

	logger zerolog.Logger
}

type Option func(*Tracker)

func WithMaxTerminal(n int) Option {
	return func(t *Tracker) { t.maxTerminal = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		orders:      make(map[string]*core.OrderUpdate),
		clientIDs:   make(map[string]string),
		maxTerminal: DefaultMaxTerminal,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply folds one event into the tracker and reports whether it changed an
// order. Gap events mark the tracker stale.
func (t *Tracker) Apply(ev core.Event) bool {
	switch ev.Kind {
	case core.EventGap:
		t.mu.Lock()
		t.stale = true
		t.mu.Unlock()
		reason := ""
		if ev.Gap != nil {
			reason = string(ev.Gap.Reason)
		}
		t.logger.Warn().Str("reason", reason).Msg("order state may be stale")
		return false
	case core.EventOrderUpdate:
		return t.apply(ev.Order)
	}
	return false
}

func (t *Tracker) apply(u *core.OrderUpdate) bool {
	if u == nil || u.OrderID == "" {
		return false
	}

	t.mu.Lock()
	cur, exists := t.orders[u.OrderID]
	if exists {
		if !isValidTransition(cur.Status, u.Status) {
			t.mu.Unlock()
			t.logger.Debug().
				Str("order_id", u.OrderID).
				Str("from", string(cur.Status)).
				Str("to", string(u.Status)).
				Msg("order update ignored")
			return false
		}
		if cur.Status == u.Status && u.UpdatedAt.Before(cur.UpdatedAt) {
			t.mu.Unlock()
			return false
		}
	}

	next := *u
	if next.ClientOrderID == "" && exists {
		next.ClientOrderID = cur.ClientOrderID
	}
	t.orders[next.OrderID] = &next
	if next.ClientOrderID != "" {
		t.clientIDs[next.ClientOrderID] = next.OrderID
	}
	if next.Status.IsTerminal() && (!exists || !cur.Status.IsTerminal()) {
		t.terminal = append(t.terminal, next.OrderID)
		t.evictLocked()
	}
	t.mu.Unlock()

	t.notify(next)
	return true
}

func (t *Tracker) evictLocked() {
	for len(t.terminal) > t.maxTerminal {
		id := t.terminal[0]
		t.terminal = t.terminal[1:]
		if o, ok := t.orders[id]; ok {
			if t.clientIDs[o.ClientOrderID] == id {
				delete(t.clientIDs, o.ClientOrderID)
			}
			delete(t.orders, id)
		}
	}
}

func (t *Tracker) Get(orderID string) (core.OrderUpdate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[orderID]
	if !ok {
		return core.OrderUpdate{}, false
	}
	return *o, true
}

func (t *Tracker) GetByClientID(clientOrderID string) (core.OrderUpdate, bool) {
	t.mu.RLock()
	id, ok := t.clientIDs[clientOrderID]
	t.mu.RUnlock()
	if !ok {
		return core.OrderUpdate{}, false
	}
	return t.Get(id)
}

// Orders returns the orders matching filter, ordered by id.
func (t *Tracker) Orders(filter Filter) []core.OrderUpdate {
	t.mu.RLock()
	var out []core.OrderUpdate
	for _, o := range t.orders {
		if filter.Matches(o) {
			out = append(out, *o)
		}
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b core.OrderUpdate) int {
		return strings.Compare(a.OrderID, b.OrderID)
	})
	return out
}

// Open returns the orders that are not finished.
func (t *Tracker) Open() []core.OrderUpdate {
	return t.Orders(Filter{OpenOnly: true})
}

// Stale reports whether a gap was seen since the last MarkReconciled.
func (t *Tracker) Stale() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stale
}

// MarkReconciled clears the stale flag after the caller refreshed order state
// over REST.
func (t *Tracker) MarkReconciled() {
	t.mu.Lock()
	t.stale = false
	t.mu.Unlock()
}

func (t *Tracker) OnUpdate(callback UpdateFunc) {
	t.callbacksMu.Lock()
	defer t.callbacksMu.Unlock()
	t.callbacks = append(t.callbacks, callback)
}

func (t *Tracker) notify(order core.OrderUpdate) {
	t.callbacksMu.RLock()
	callbacks := slices.Clone(t.callbacks)
	t.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		callback(order)
	}
}

// Run applies events from q until ctx ends.
func (t *Tracker) Run(ctx context.Context, q *userstream.Queue) error {
	for {
		ev, err := q.Pop(ctx)
		if err != nil {
			return err
		}
		t.Apply(ev)
	}
}

type Filter struct {
	Symbol   string
	Side     core.OrderSide
	Status   core.OrderStatus
	OpenOnly bool
}

func (f *Filter) Matches(order *core.OrderUpdate) bool {
	if f.Symbol != "" && order.Symbol != f.Symbol {
		return false
	}
	if f.Side != "" && order.Side != f.Side {
		return false
	}
	if f.Status != "" && order.Status != f.Status {
		return false
	}
	if f.OpenOnly && order.Status.IsTerminal() {
		return false
	}
	return true
}

var transitions = map[core.OrderStatus][]core.OrderStatus{
	core.StatusNew: {
		core.StatusPartiallyFilled,
		core.StatusFilled,
		core.StatusCanceled,
		core.StatusRejected,
		core.StatusExpired,
	},
	core.StatusPartiallyFilled: {
		core.StatusFilled,
		core.StatusCanceled,
		core.StatusExpired,
	},
}

func isValidTransition(from, to core.OrderStatus) bool {
	switch {
	case from == to:
		return true
	case from == core.StatusUnknown:
		return true
	case to == core.StatusUnknown:
		return false
	}
	return slices.Contains(transitions[from], to)
}
