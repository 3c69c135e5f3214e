package bybit

import (
	"strings"

	"exlink/pkg/core"
	"exlink/pkg/exchange"
	"exlink/pkg/subscription"
	"exlink/pkg/userstream"
)

const privatePath = "/v5/private"

// New wires a Bybit v5 client.
func New(cfg *core.Config, opts ...exchange.Option) (*exchange.Client, error) {
	if cfg == nil {
		cfg = core.DefaultConfig(Name)
	}
	return exchange.New(cfg, Profile(), opts...)
}

// PrivateURL is the private stream endpoint under base.
func PrivateURL(base string) string {
	return strings.TrimRight(base, "/") + privatePath
}

// NewUserStream builds a runner for the private stream: it logs in with the
// client's authenticator and subscribes to the order, execution and wallet
// topics on every connection.
func NewUserStream(client *exchange.Client, opts ...userstream.Option) (*userstream.Runner, error) {
	cfg := userstream.ConfigFromCore(client.Config(), PrivateURL(client.WSURL()))
	cfg.Login = true
	cfg.Channels = []userstream.Channel{
		{Name: TopicOrder},
		{Name: TopicExecution},
		{Name: TopicWallet},
	}

	defaults := []userstream.Option{
		userstream.WithAuthenticator(client.Authenticator()),
		userstream.WithDefaultDecoder(NewNormalizer()),
		userstream.WithLogger(client.Logger()),
		userstream.WithMetrics(client.Metrics()),
	}
	return userstream.NewRunner(client.Session(), subscription.OpSchema(), cfg, append(defaults, opts...)...)
}
