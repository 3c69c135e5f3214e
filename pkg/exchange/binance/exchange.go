package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"exlink/pkg/core"
	"exlink/pkg/exchange"
	"exlink/pkg/rest"
	"exlink/pkg/subscription"
	"exlink/pkg/userstream"
)

const (
	listenKeyPath = "/api/v3/userDataStream"

	// ListenKeyRenewInterval keeps a listen key alive; Binance expires idle
	// keys after 60 minutes.
	ListenKeyRenewInterval = 30 * time.Minute
)

// New wires a Binance spot client.
func New(cfg *core.Config, opts ...exchange.Option) (*exchange.Client, error) {
	if cfg == nil {
		cfg = core.DefaultConfig(Name)
	}
	return exchange.New(cfg, Profile(), opts...)
}

// ListenKeyBootstrapper manages the listen key of the user data stream.
type ListenKeyBootstrapper struct {
	rest     *rest.Executor
	clock    core.Clock
	interval time.Duration
}

func NewListenKeyBootstrapper(executor *rest.Executor) *ListenKeyBootstrapper {
	return &ListenKeyBootstrapper{
		rest:     executor,
		clock:    core.SystemClock,
		interval: ListenKeyRenewInterval,
	}
}

// SetRenewInterval overrides ListenKeyRenewInterval.
func (b *ListenKeyBootstrapper) SetRenewInterval(d time.Duration) {
	b.interval = d
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// Bootstrap creates a listen key.
func (b *ListenKeyBootstrapper) Bootstrap(ctx context.Context) (userstream.Token, error) {
	var resp listenKeyResponse
	req := core.Post(listenKeyPath).WithAuth(core.AuthKeyOnly).WithLimit(LimitListenKey)
	if err := b.rest.Do(ctx, req, &resp); err != nil {
		return userstream.Token{}, fmt.Errorf("create listen key: %w", err)
	}
	if resp.ListenKey == "" {
		return userstream.Token{}, core.NewExchangeError(Name, core.ErrorTypeProtocol, 0, "empty listen key")
	}
	return userstream.Token{Value: resp.ListenKey, IssuedAt: b.clock.Now()}, nil
}

// Renew extends the key's validity.
func (b *ListenKeyBootstrapper) Renew(ctx context.Context, token userstream.Token) error {
	req := core.Put(listenKeyPath).
		WithQuery("listenKey", token.Value).
		WithAuth(core.AuthKeyOnly).
		WithLimit(LimitListenKey)
	if err := b.rest.Do(ctx, req, nil); err != nil {
		return fmt.Errorf("keep alive listen key: %w", err)
	}
	return nil
}

func (b *ListenKeyBootstrapper) RenewInterval() time.Duration { return b.interval }

// Close deletes the key so the exchange stops pushing to it.
func (b *ListenKeyBootstrapper) Close(ctx context.Context, token userstream.Token) error {
	req := core.Delete(listenKeyPath).
		WithQuery("listenKey", token.Value).
		WithAuth(core.AuthKeyOnly).
		WithLimit(LimitListenKey)
	if err := b.rest.Do(ctx, req, nil); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}

// StreamURL is the user data stream endpoint for a listen key.
func StreamURL(base, listenKey string) string {
	return strings.TrimRight(base, "/") + "/ws/" + listenKey
}

// NewUserStream builds a runner for the client's user data stream. Binance
// pushes account events to the listen key's stream without subscriptions.
func NewUserStream(client *exchange.Client, opts ...userstream.Option) (*userstream.Runner, error) {
	base := client.WSURL()
	cfg := userstream.ConfigFromCore(client.Config(), StreamURL(base, "<listen-key>"))

	defaults := []userstream.Option{
		userstream.WithBootstrapper(NewListenKeyBootstrapper(client.REST())),
		userstream.WithURLFunc(func(token userstream.Token) string {
			return StreamURL(base, token.Value)
		}),
		userstream.WithDefaultDecoder(NewNormalizer()),
		userstream.WithLogger(client.Logger()),
		userstream.WithMetrics(client.Metrics()),
	}
	return userstream.NewRunner(client.Session(), subscription.MethodSchema(), cfg, append(defaults, opts...)...)
}
