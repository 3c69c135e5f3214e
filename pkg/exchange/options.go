package exchange

import (
	"github.com/rs/zerolog"

	"exlink/internal/keyring"
	"exlink/pkg/core"
	"exlink/pkg/metrics"
	"exlink/pkg/rest"
	"exlink/pkg/ws"
)

type Option func(*Options)

type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.Collectors
	// KeyRing replaces the ring built from the config credentials.
	KeyRing *keyring.KeyRing
	// Dialer defaults to gws.
	Dialer ws.Dialer
	// Doer replaces the resty HTTP client.
	Doer  rest.Doer
	Clock core.Clock
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

func WithKeyRing(kr *keyring.KeyRing) Option {
	return func(o *Options) {
		o.KeyRing = kr
	}
}

func WithDialer(d ws.Dialer) Option {
	return func(o *Options) {
		o.Dialer = d
	}
}

func WithDoer(d rest.Doer) Option {
	return func(o *Options) {
		o.Doer = d
	}
}

func WithClock(c core.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}
