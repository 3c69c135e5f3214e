package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"net/url"
	"strconv"
	"time"

	"exlink/internal/keyring"
	"exlink/internal/ratelimit"
	"exlink/pkg/core"
	"exlink/pkg/exchange"
	"exlink/pkg/rest"
)

const (
	Name = "binance"

	ProductionURL   = "https://api.binance.com"
	SandboxURL      = "https://testnet.binance.vision"
	ProductionWSURL = "wss://stream.binance.com:9443"
	SandboxWSURL    = "wss://stream.testnet.binance.vision"

	// DefaultRecvWindow is how long after its timestamp a signed request stays valid.
	DefaultRecvWindow = 5 * time.Second
)

// Rate limit ids for core.Request.WithLimit.
const (
	LimitRequestWeight = "REQUEST_WEIGHT"
	LimitRawRequests   = "RAW_REQUESTS"
	LimitOrders        = "ORDERS"
	LimitOrdersDaily   = "ORDERS_DAILY"
	// LimitListenKey is the user data stream endpoint, weight 2.
	LimitListenKey = "LISTEN_KEY"
	// LimitAccount is the account snapshot endpoint, weight 20.
	LimitAccount = "ACCOUNT"
)

// RateLimits mirrors the spot API's published limits.
func RateLimits() []ratelimit.Rule {
	shared := func(weight int) []ratelimit.LinkedLimit {
		return []ratelimit.LinkedLimit{
			{LimitID: LimitRequestWeight, Weight: weight},
			{LimitID: LimitRawRequests, Weight: 1},
		}
	}
	return []ratelimit.Rule{
		{LimitID: LimitRequestWeight, MaxCount: 6000, Window: time.Minute},
		{LimitID: LimitRawRequests, MaxCount: 61000, Window: 5 * time.Minute},
		{LimitID: LimitOrdersDaily, MaxCount: 160000, Window: 24 * time.Hour},
		{
			LimitID:  LimitOrders,
			MaxCount: 50,
			Window:   10 * time.Second,
			Linked:   append(shared(1), ratelimit.LinkedLimit{LimitID: LimitOrdersDaily, Weight: 1}),
		},
		{LimitID: LimitListenKey, MaxCount: 3000, Window: time.Minute, Weight: 2, Linked: shared(2)},
		{LimitID: LimitAccount, MaxCount: 6000, Window: time.Minute, Weight: 20, Linked: shared(20)},
	}
}

// Classifier knows the error codes Binance puts in 4xx and some 200 bodies.
func Classifier() *rest.JSONBodyClassifier {
	c := rest.DefaultBodyClassifier()
	c.CodeTypes = map[string]core.ErrorType{
		"-1000": core.ErrorTypeUnknown,
		"-1001": core.ErrorTypeServerError,
		"-1003": core.ErrorTypeRateLimit,
		"-1007": core.ErrorTypeTimeout,
		"-1015": core.ErrorTypeRateLimit,
		"-1021": core.ErrorTypeAuthentication,
		"-1022": core.ErrorTypeAuthentication,
		"-1100": core.ErrorTypeBadRequest,
		"-1101": core.ErrorTypeBadRequest,
		"-1102": core.ErrorTypeBadRequest,
		"-1103": core.ErrorTypeBadRequest,
		"-1104": core.ErrorTypeBadRequest,
		"-1105": core.ErrorTypeBadRequest,
		"-1125": core.ErrorTypeConnectionLost,
		"-2013": core.ErrorTypeNotFound,
		"-2014": core.ErrorTypeAuthentication,
		"-2015": core.ErrorTypeAuthentication,
	}
	return c
}

// Profile describes Binance spot to exchange.New.
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
	}
}

// Authenticator signs requests with HMAC-SHA256 over the query string and
// sends the key in X-MBX-APIKEY.
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

// SetRecvWindow overrides DefaultRecvWindow.
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

func (a *Authenticator) AuthenticateREST(ctx context.Context, req *core.Request) (*core.Request, error) {
	key, err := a.key()
	if err != nil {
		return nil, err
	}
	out := req.WithHeader("X-MBX-APIKEY", key.Key)
	if req.Auth == core.AuthKeyOnly {
		return out, nil
	}

	params := url.Values{}
	for k, v := range out.Query {
		params.Set(k, v)
	}
	ts := strconv.FormatInt(a.clock.Now().UnixMilli(), 10)
	window := strconv.FormatInt(a.recvWindow.Milliseconds(), 10)
	params.Set("timestamp", ts)
	params.Set("recvWindow", window)

	return out.WithQueryParams(map[string]string{
		"timestamp":  ts,
		"recvWindow": window,
		"signature":  signHMAC(params.Encode(), key.Secret),
	}), nil
}

// AuthenticateWS signs a WebSocket API request: apiKey and timestamp are added
// to params and the signature covers all params sorted by name.
func (a *Authenticator) AuthenticateWS(ctx context.Context, payload map[string]any) (map[string]any, error) {
	key, err := a.key()
	if err != nil {
		return nil, err
	}
	params := map[string]any{}
	if p, ok := payload["params"].(map[string]any); ok {
		params = maps.Clone(p)
	}
	params["apiKey"] = key.Key
	params["timestamp"] = a.clock.Now().UnixMilli()

	values := url.Values{}
	for k, v := range params {
		values.Set(k, paramString(v))
	}
	params["signature"] = signHMAC(values.Encode(), key.Secret)

	out := maps.Clone(payload)
	out["params"] = params
	return out, nil
}

// OnAuthFailure moves the key ring off a rejected key.
func (a *Authenticator) OnAuthFailure(err error) {
	a.keys.OnAuthFailure(err)
}

func paramString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func signHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
