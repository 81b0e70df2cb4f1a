// Package apperr defines the error taxonomy shared by handlers, provider
// adapters, and the dispatch boundary. Adapters attach a [Kind] to the
// errors they return so the boundary can render a categorized message
// without inspecting free text; message inspection survives only as a
// last-resort fallback in [Classify].
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind categorizes a failure for user-facing rendering.
type Kind int

// Error kinds, from most to least specific.
const (
	KindUnknown Kind = iota
	KindParse
	KindValidation
	KindConfig
	KindAuth
	KindPermission
	KindNotFound
	KindRateLimit
	KindTimeout
	KindNetwork
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindParse:      "parse",
	KindValidation: "validation",
	KindConfig:     "config",
	KindAuth:       "auth",
	KindPermission: "permission",
	KindNotFound:   "not_found",
	KindRateLimit:  "rate_limit",
	KindTimeout:    "timeout",
	KindNetwork:    "network",
}

// String returns the snake_case name used in logs and events.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Kinded is implemented by errors that know their own category.
type Kinded interface {
	ErrorKind() Kind
}

// Error is a categorized failure. Op names the operation that failed
// ("caldav.get_events", "slack.users_info"). Setting is only meaningful
// for [KindConfig] and names the missing configuration key.
// Suggestions are only meaningful for [KindValidation].
type Error struct {
	Kind        Kind
	Op          string
	Status      int
	Setting     string
	Msg         string
	Suggestions []string
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		sb.WriteString(e.Msg)
	case e.Kind == KindConfig && e.Setting != "":
		fmt.Fprintf(&sb, "%s is not configured", e.Setting)
	default:
		sb.WriteString(e.Kind.String())
	}
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.Status)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// ErrorKind implements [Kinded].
func (e *Error) ErrorKind() Kind { return e.Kind }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Config reports that a collaborator is missing the named setting.
func Config(setting string) *Error {
	return &Error{Kind: KindConfig, Setting: setting}
}

// Validation reports an invalid or missing argument. The suggestions are
// rendered as a bullet list for the user.
func Validation(msg string, suggestions ...string) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Suggestions: suggestions}
}

// NotFound reports that a referenced object does not exist.
func NotFound(op, what string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: what + " not found"}
}

// FromStatus maps an HTTP status code to a categorized error. body is an
// excerpt of the response body used only for the message.
func FromStatus(op string, status int, body string) *Error {
	kind := KindUnknown
	switch {
	case status == http.StatusUnauthorized:
		kind = KindAuth
	case status == http.StatusForbidden:
		kind = KindPermission
	case status == http.StatusNotFound, status == http.StatusGone:
		kind = KindNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		kind = KindValidation
	case status >= 500:
		kind = KindNetwork
	}
	return &Error{Kind: kind, Op: op, Status: status, Msg: strings.TrimSpace(body)}
}

// Classify returns the category of err. Structured signals are consulted
// first: an explicit [Kinded] error anywhere in the chain, context
// deadlines, and net.Error timeouts. Only when none is present does it
// fall back to inspecting the error text.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var kinded Kinded
	if errors.As(err, &kinded) {
		if k := kinded.ErrorKind(); k != KindUnknown {
			return k
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return KindNetwork
	}

	return classifyText(err.Error())
}

// textRules are checked in order; the first match wins.
var textRules = []struct {
	kind    Kind
	needles []string
}{
	{KindAuth, []string{"401", "unauthorized", "invalid_auth", "not_authed", "token_expired"}},
	{KindPermission, []string{"403", "forbidden", "permission", "missing_scope", "access denied"}},
	{KindNotFound, []string{"404", "not found", "not_found"}},
	{KindRateLimit, []string{"429", "rate limit", "ratelimited", "too many requests"}},
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindNetwork, []string{"connection refused", "no such host", "network is unreachable", "connection reset", "unexpected eof"}},
}

func classifyText(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, rule := range textRules {
		for _, n := range rule.needles {
			if strings.Contains(lower, n) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}
