package core

import (
	"context"
	"time"
)

// Credentials holds API authentication credentials for an exchange.
type Credentials struct {
	// APIKey is the public API key identifier.
	APIKey string `json:"api_key"`
	// SecretKey is the private API key used for signing requests.
	SecretKey string `json:"secret_key"`
	// Passphrase is an optional additional credential required by some exchanges.
	Passphrase string `json:"passphrase,omitempty"`
}

// Authenticator attaches credentials to outgoing REST requests and WebSocket login
// payloads. Implementations must be pure functions of the input, their secret
// material and the injected Clock; they never mutate the request they receive.
type Authenticator interface {
	AuthenticateREST(ctx context.Context, req *Request) (*Request, error)
	AuthenticateWS(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// AuthFailureObserver is implemented by authenticators that want to react when the
// exchange rejects their credentials, for example by rotating to another key.
type AuthFailureObserver interface {
	OnAuthFailure(err error)
}

// Clock abstracts time for rate limiting, signing and heartbeats.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
