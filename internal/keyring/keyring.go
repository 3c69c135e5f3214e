package keyring

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"exlink/pkg/core"
)

// KeyRing hands out API credentials to authenticators and rotates away from keys
// the exchange keeps rejecting.
type KeyRing struct {
	mu        sync.RWMutex
	keys      []*APIKey
	current   int
	strategy  RotationStrategy
	maxErrors int
	logger    zerolog.Logger
}

type APIKey struct {
	ID         string
	Key        string
	Secret     string
	Passphrase string
	Disabled   bool
	LastUsed   time.Time
	ErrorCount int
}

type RotationStrategy int

const (
	// RotationNone keeps the current key until it is disabled.
	RotationNone RotationStrategy = iota
	// RotationRoundRobin moves to the next key on every Next call.
	RotationRoundRobin
	// RotationOnError moves to the next key after an authentication failure.
	RotationOnError
)

// FromCredentials builds a ring from config credentials, naming keys by position.
func FromCredentials(creds []*core.Credentials, strategy RotationStrategy) *KeyRing {
	keys := make([]*APIKey, 0, len(creds))
	for i, c := range creds {
		if c == nil {
			continue
		}
		keys = append(keys, &APIKey{
			ID:         strconv.Itoa(i),
			Key:        c.APIKey,
			Secret:     c.SecretKey,
			Passphrase: c.Passphrase,
		})
	}
	return New(keys, strategy)
}

func New(keys []*APIKey, strategy RotationStrategy) *KeyRing {
	keysCopy := make([]*APIKey, len(keys))
	for i, k := range keys {
		c := *k
		keysCopy[i] = &c
	}
	return &KeyRing{
		keys:      keysCopy,
		strategy:  strategy,
		maxErrors: 3,
		logger:    zerolog.Nop(),
	}
}

func (k *KeyRing) SetLogger(logger zerolog.Logger) {
	k.logger = logger
}

// SetMaxErrors disables a key after n authentication failures; zero never disables.
func (k *KeyRing) SetMaxErrors(n int) {
	k.mu.Lock()
	k.maxErrors = n
	k.mu.Unlock()
}

// Current returns a copy of the active key, or core.ErrNoAPIKey.
func (k *KeyRing) Current() (APIKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if idx := k.activeLocked(); idx >= 0 {
		return *k.keys[idx], nil
	}
	if len(k.keys) == 0 {
		return APIKey{}, core.ErrNoCredentials
	}
	return APIKey{}, core.ErrNoAPIKey
}

// Next returns the key to sign with and records its use, advancing first when
// the strategy is round robin.
func (k *KeyRing) Next() (APIKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.strategy == RotationRoundRobin {
		k.rotateLocked()
	}
	idx := k.activeLocked()
	if idx < 0 {
		if len(k.keys) == 0 {
			return APIKey{}, core.ErrNoCredentials
		}
		return APIKey{}, core.ErrNoAPIKey
	}
	k.current = idx
	k.keys[idx].LastUsed = time.Now()
	return *k.keys[idx], nil
}

func (k *KeyRing) activeLocked() int {
	for i := 0; i < len(k.keys); i++ {
		idx := (k.current + i) % len(k.keys)
		if !k.keys[idx].Disabled {
			return idx
		}
	}
	return -1
}

func (k *KeyRing) Rotate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rotateLocked()
}

func (k *KeyRing) rotateLocked() {
	if len(k.keys) == 0 {
		return
	}
	start := k.current
	for {
		k.current = (k.current + 1) % len(k.keys)
		if !k.keys[k.current].Disabled || k.current == start {
			return
		}
	}
}

// OnAuthFailure records a rejected signature against the current key.
func (k *KeyRing) OnAuthFailure(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	idx := k.activeLocked()
	if idx < 0 {
		return
	}
	key := k.keys[idx]
	key.ErrorCount++
	if k.maxErrors > 0 && key.ErrorCount >= k.maxErrors {
		key.Disabled = true
		k.logger.Warn().Err(err).Str("key", key.String()).Msg("api key disabled after repeated auth failures")
	}
	if k.strategy == RotationOnError || key.Disabled {
		k.rotateLocked()
	}
}

func (k *KeyRing) Disable(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, key := range k.keys {
		if key.ID == id {
			key.Disabled = true
			return
		}
	}
}

func (k *KeyRing) Enable(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, key := range k.keys {
		if key.ID == id {
			key.Disabled = false
			key.ErrorCount = 0
			return
		}
	}
}

func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

func (k *APIKey) String() string {
	return fmt.Sprintf("APIKey{ID:%s, Key:%s}", k.ID, maskKey(k.Key))
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
