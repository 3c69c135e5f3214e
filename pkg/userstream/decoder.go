package userstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exlink/pkg/core"
	"exlink/pkg/subscription"
	"exlink/pkg/ws"
)

// ErrDecodePanic marks a decoder that panicked. The connection is torn down.
var ErrDecodePanic = errors.New("decoder panic")

// Decoder turns one data frame into zero or more events. Returning an error
// typed core.ErrorTypeConnectionLost (a listen key expiry notice, for example)
// forces a reconnect; any other error drops the frame.
type Decoder interface {
	Decode(route subscription.Route, msg ws.Message) ([]core.Event, error)
}

type DecoderFunc func(route subscription.Route, msg ws.Message) ([]core.Event, error)

func (f DecoderFunc) Decode(route subscription.Route, msg ws.Message) ([]core.Event, error) {
	return f(route, msg)
}

// Token is the result of a bootstrap call, such as a listen key.
type Token struct {
	Value    string
	IssuedAt time.Time
}

// Bootstrapper obtains the token a private socket needs before dialing and
// keeps it alive while the connection lasts.
type Bootstrapper interface {
	Bootstrap(ctx context.Context) (Token, error)
	Renew(ctx context.Context, token Token) error
	// RenewInterval is zero when the token never needs renewal.
	RenewInterval() time.Duration
}

// Closer is implemented by bootstrappers that can revoke a token when the
// runner stops.
type Closer interface {
	Close(ctx context.Context, token Token) error
}

func safeDecode(d Decoder, route subscription.Route, msg ws.Message) (events []core.Event, err error) {
	defer func() {
		if p := recover(); p != nil {
			events = nil
			err = fmt.Errorf("%w: %v", ErrDecodePanic, p)
		}
	}()
	return d.Decode(route, msg)
}
