package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"exlink/pkg/core"
)

// BodyClassifier inspects a response body for failures the status code hides.
// It returns nil when the body does not describe an error.
type BodyClassifier interface {
	Classify(exchange string, resp *Response) *core.ExchangeError
}

// JSONBodyClassifier recognises the common shapes of exchange error bodies:
// {"success": false, ...}, {"error": ...} and {"code": <non-success>, "msg": ...}.
type JSONBodyClassifier struct {
	CodeFields    []string
	MessageFields []string
	SuccessCodes  []string
	// CodeTypes maps exchange codes to error types, taking precedence over keywords.
	CodeTypes         map[string]core.ErrorType
	AuthKeywords      []string
	RateLimitKeywords []string
}

// DefaultBodyClassifier returns a classifier covering the usual field names.
func DefaultBodyClassifier() *JSONBodyClassifier {
	return &JSONBodyClassifier{
		CodeFields:    []string{"code", "retCode"},
		MessageFields: []string{"message", "msg", "ret_msg", "retMsg", "error_description"},
		SuccessCodes:  []string{"0", "200", "00000"},
		AuthKeywords: []string{
			"signature", "api key", "api-key", "apikey", "invalid key",
			"unauthorized", "permission", "authenticat", "timestamp for this request",
		},
		RateLimitKeywords: []string{"rate limit", "too many", "too frequent", "ratelimit", "request weight"},
	}
}

func (c *JSONBodyClassifier) Classify(exchange string, resp *Response) *core.ExchangeError {
	if len(resp.Body) == 0 {
		return nil
	}
	var decoded any
	if err := sonic.Unmarshal(resp.Body, &decoded); err != nil {
		return nil
	}
	body, ok := decoded.(map[string]any)
	if !ok {
		return nil
	}

	failed := false
	var code, msg string

	if v, ok := body["success"].(bool); ok && !v {
		failed = true
	}
	if v, ok := body["error"]; ok && v != nil {
		switch e := v.(type) {
		case string:
			if e != "" {
				failed = true
				msg = e
			}
		case bool:
			failed = failed || e
		case map[string]any:
			failed = true
			msg = c.message(e)
			code = c.code(e)
		default:
			failed = true
			msg = fmt.Sprint(e)
		}
	}
	if cv := c.code(body); cv != "" {
		if !c.isSuccessCode(cv) {
			failed = true
		}
		if code == "" {
			code = cv
		}
	}
	if !failed {
		return nil
	}
	if msg == "" {
		msg = c.message(body)
	}
	if msg == "" {
		msg = string(resp.Body)
	}

	exErr := core.NewExchangeError(exchange, c.typeFor(code, msg), resp.StatusCode, msg)
	if code != "" {
		exErr.Code = code
	} else {
		exErr.Code = string(core.ErrCodeBodyError)
	}
	return exErr
}

func (c *JSONBodyClassifier) code(body map[string]any) string {
	for _, f := range c.CodeFields {
		switch v := body[f].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

func (c *JSONBodyClassifier) message(body map[string]any) string {
	for _, f := range c.MessageFields {
		if v, ok := body[f].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (c *JSONBodyClassifier) isSuccessCode(code string) bool {
	for _, s := range c.SuccessCodes {
		if code == s {
			return true
		}
	}
	return false
}

func (c *JSONBodyClassifier) typeFor(code, msg string) core.ErrorType {
	if t, ok := c.CodeTypes[code]; ok {
		return t
	}
	lower := strings.ToLower(msg)
	for _, k := range c.AuthKeywords {
		if strings.Contains(lower, k) {
			return core.ErrorTypeAuthentication
		}
	}
	for _, k := range c.RateLimitKeywords {
		if strings.Contains(lower, k) {
			return core.ErrorTypeRateLimit
		}
	}
	return core.ErrorTypeBadRequest
}

// classifyResponse maps a completed round trip to nil or a typed error. Status
// codes that settle the category on their own win over the body; for other
// 4xx answers the body may refine the type (a 400 carrying a signature code is
// an authentication failure).
func classifyResponse(exchange string, classifier BodyClassifier, resp *Response) error {
	var fromBody *core.ExchangeError
	if classifier != nil {
		fromBody = classifier.Classify(exchange, resp)
	}

	if resp.IsSuccess() {
		if fromBody == nil {
			return nil
		}
		return fromBody
	}

	statusType := statusErrorType(resp.StatusCode)
	if fromBody != nil {
		if statusType == core.ErrorTypeBadRequest || statusType == core.ErrorTypeNotFound {
			if fromBody.Type == core.ErrorTypeAuthentication || fromBody.Type == core.ErrorTypeRateLimit {
				return fromBody
			}
		}
		fromBody.Type = statusType
		return fromBody
	}
	return core.NewExchangeError(exchange, statusType, resp.StatusCode, http.StatusText(resp.StatusCode))
}

func statusErrorType(status int) core.ErrorType {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.ErrorTypeAuthentication
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return core.ErrorTypeRateLimit
	case status == http.StatusNotFound:
		return core.ErrorTypeNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return core.ErrorTypeTimeout
	case status >= 500:
		return core.ErrorTypeServerError
	case status >= 400:
		return core.ErrorTypeBadRequest
	}
	return core.ErrorTypeUnknown
}

// classifyTransport types a failed round trip. It must only be called when the
// caller's own context is still live.
func classifyTransport(exchange string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return core.WrapError(exchange, core.ErrorTypeTimeout, err)
	}
	return core.WrapError(exchange, core.ErrorTypeNetwork, err)
}

// retryAfter reads a Retry-After header in seconds or HTTP date form.
func retryAfter(resp *Response, now time.Time) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
