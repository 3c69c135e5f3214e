package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"exlink/internal/keyring"
	"exlink/internal/ratelimit"
	"exlink/pkg/core"
	"exlink/pkg/exchange"
	"exlink/pkg/rest"
)

const (
	Name = "bybit"

	ProductionURL   = "https://api.bybit.com"
	SandboxURL      = "https://api-testnet.bybit.com"
	ProductionWSURL = "wss://stream.bybit.com"
	SandboxWSURL    = "wss://stream-testnet.bybit.com"

	DefaultRecvWindow = 5 * time.Second
	// loginExpiry is how far in the future a WebSocket login signature expires.
	loginExpiry = 10 * time.Second
)

// Rate limit ids. Endpoint limits are per UID and share the per-IP budget.
const (
	LimitIP      = "IP"
	LimitOrders  = "ORDERS"
	LimitQueries = "QUERIES"
	LimitWallet  = "WALLET"
)

func RateLimits() []ratelimit.Rule {
	ip := []ratelimit.LinkedLimit{{LimitID: LimitIP, Weight: 1}}
	return []ratelimit.Rule{
		{LimitID: LimitIP, MaxCount: 600, Window: 5 * time.Second},
		{LimitID: LimitOrders, MaxCount: 10, Window: time.Second, Linked: ip},
		{LimitID: LimitQueries, MaxCount: 50, Window: time.Second, Linked: ip},
		{LimitID: LimitWallet, MaxCount: 50, Window: time.Second, Linked: ip},
	}
}

// Classifier reads retCode/retMsg, which v5 returns with HTTP 200.
func Classifier() *rest.JSONBodyClassifier {
	c := rest.DefaultBodyClassifier()
	c.CodeTypes = map[string]core.ErrorType{
		"10000":  core.ErrorTypeTimeout,
		"10001":  core.ErrorTypeBadRequest,
		"10002":  core.ErrorTypeAuthentication,
		"10003":  core.ErrorTypeAuthentication,
		"10004":  core.ErrorTypeAuthentication,
		"10005":  core.ErrorTypeAuthentication,
		"10006":  core.ErrorTypeRateLimit,
		"10016":  core.ErrorTypeServerError,
		"10018":  core.ErrorTypeRateLimit,
		"33004":  core.ErrorTypeAuthentication,
		"110001": core.ErrorTypeNotFound,
		"170213": core.ErrorTypeNotFound,
	}
	return c
}

// PingPayload is Bybit's application heartbeat; the server drops sockets that
// stay silent for 20 seconds.
var PingPayload = []byte(`{"op":"ping"}`)

func Profile() exchange.Profile {
	return exchange.Profile{
		Name:           Name,
		RESTURL:        ProductionURL,
		SandboxRESTURL: SandboxURL,
		WSURL:          ProductionWSURL,
		SandboxWSURL:   SandboxWSURL,
		RateLimits:     RateLimits(),
		Classifier:     Classifier(),
		Authenticator: func(keys *keyring.KeyRing, clock core.Clock) core.Authenticator {
			return NewAuthenticator(keys, clock)
		},
		PingPayload: PingPayload,
	}
}

// Authenticator signs v5 requests in the X-BAPI-* headers and builds the
// private socket's auth frame.
type Authenticator struct {
	keys       *keyring.KeyRing
	clock      core.Clock
	recvWindow time.Duration
}

func NewAuthenticator(keys *keyring.KeyRing, clock core.Clock) *Authenticator {
	if clock == nil {
		clock = core.SystemClock
	}
	return &Authenticator{keys: keys, clock: clock, recvWindow: DefaultRecvWindow}
}

func (a *Authenticator) SetRecvWindow(d time.Duration) {
	a.recvWindow = d
}

func (a *Authenticator) key() (keyring.APIKey, error) {
	key, err := a.keys.Next()
	if err != nil {
		return keyring.APIKey{}, core.WrapError(Name, core.ErrorTypeAuthentication, err)
	}
	return key, nil
}

// AuthenticateREST signs timestamp+key+recvWindow+payload, where payload is the
// encoded query for reads and the JSON body for writes. The body is replaced by
// the exact bytes that were signed.
func (a *Authenticator) AuthenticateREST(ctx context.Context, req *core.Request) (*core.Request, error) {
	key, err := a.key()
	if err != nil {
		return nil, err
	}
	out := req.WithHeader("X-BAPI-API-KEY", key.Key)
	if req.Auth == core.AuthKeyOnly {
		return out, nil
	}

	var payload string
	if req.Body != nil {
		raw, err := bodyBytes(req.Body)
		if err != nil {
			return nil, core.WrapError(Name, core.ErrorTypeBadRequest, err)
		}
		payload = string(raw)
		out = out.WithBody(raw).WithHeader("Content-Type", "application/json")
	} else if len(req.Query) > 0 {
		values := url.Values{}
		for k, v := range req.Query {
			values.Set(k, v)
		}
		payload = values.Encode()
	}

	ts := strconv.FormatInt(a.clock.Now().UnixMilli(), 10)
	window := strconv.FormatInt(a.recvWindow.Milliseconds(), 10)
	return out.
		WithHeader("X-BAPI-TIMESTAMP", ts).
		WithHeader("X-BAPI-RECV-WINDOW", window).
		WithHeader("X-BAPI-SIGN", signHMAC(ts+key.Key+window+payload, key.Secret)), nil
}

// AuthenticateWS fills the auth frame's args with key, expiry and signature.
func (a *Authenticator) AuthenticateWS(ctx context.Context, payload map[string]any) (map[string]any, error) {
	key, err := a.key()
	if err != nil {
		return nil, err
	}
	expires := a.clock.Now().Add(loginExpiry).UnixMilli()
	sig := signHMAC("GET/realtime"+strconv.FormatInt(expires, 10), key.Secret)

	out := maps.Clone(payload)
	out["args"] = []any{key.Key, expires, sig}
	return out, nil
}

func (a *Authenticator) OnAuthFailure(err error) {
	a.keys.OnAuthFailure(err)
}

func bodyBytes(body any) ([]byte, error) {
	switch b := body.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	raw, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return raw, nil
}

func signHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
