package core

import (
	"maps"
	"net/http"
	"time"
)

// AuthScope tells an Authenticator what a request needs.
type AuthScope int

const (
	// AuthNone sends the request unauthenticated.
	AuthNone AuthScope = iota
	// AuthSigned attaches a key and a signature over the request.
	AuthSigned
	// AuthKeyOnly attaches the API key without signing (listen key endpoints).
	AuthKeyOnly
)

// Request describes one REST call. It is treated as immutable: the With* methods
// return modified copies and leave the receiver untouched, so processors and
// authenticators can never corrupt a descriptor that is about to be retried.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Query   map[string]string `json:"query,omitempty"`
	Body    any               `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Auth    AuthScope         `json:"auth"`
	// LimitID selects the rate limit rule; empty means not limited.
	LimitID string        `json:"limit_id,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

func NewRequest(method, url string) *Request {
	return &Request{
		Method: method,
		URL:    url,
	}
}

func Get(url string) *Request    { return NewRequest(http.MethodGet, url) }
func Post(url string) *Request   { return NewRequest(http.MethodPost, url) }
func Put(url string) *Request    { return NewRequest(http.MethodPut, url) }
func Delete(url string) *Request { return NewRequest(http.MethodDelete, url) }

// RequiresAuth reports whether the Authenticator must see this request.
func (r *Request) RequiresAuth() bool {
	return r.Auth != AuthNone
}

// Clone returns a deep copy of the maps; Body is shared.
func (r *Request) Clone() *Request {
	c := *r
	c.Query = maps.Clone(r.Query)
	c.Headers = maps.Clone(r.Headers)
	return &c
}

func (r *Request) WithQuery(key, value string) *Request {
	c := r.Clone()
	if c.Query == nil {
		c.Query = make(map[string]string)
	}
	c.Query[key] = value
	return c
}

func (r *Request) WithQueryParams(params map[string]string) *Request {
	c := r.Clone()
	if c.Query == nil {
		c.Query = make(map[string]string, len(params))
	}
	maps.Copy(c.Query, params)
	return c
}

func (r *Request) WithHeader(key, value string) *Request {
	c := r.Clone()
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}
	c.Headers[key] = value
	return c
}

func (r *Request) WithBody(body any) *Request {
	c := r.Clone()
	c.Body = body
	return c
}

func (r *Request) WithAuth(scope AuthScope) *Request {
	c := r.Clone()
	c.Auth = scope
	return c
}

func (r *Request) WithLimit(limitID string) *Request {
	c := r.Clone()
	c.LimitID = limitID
	return c
}

func (r *Request) WithTimeout(timeout time.Duration) *Request {
	c := r.Clone()
	c.Timeout = timeout
	return c
}

// Idempotent reports whether repeating the request cannot change server state twice.
func (r *Request) Idempotent() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
