// Package errclass classifies carrier call failures into the small taxonomy
// the scheduler's retry policy works with.
//
// Classification is deliberately shallow: it looks at status codes and message
// content, not at provider-specific error types, because every carrier client
// reports failures differently.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
	"unicode"
)

type Kind int

const (
	Unknown Kind = iota
	Network
	Timeout
	RateLimited
	Auth
	Server
	Client
	PrivateResource
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Timeout:
		return "timeout"
	case RateLimited:
		return "rate_limited"
	case Auth:
		return "auth"
	case Server:
		return "server"
	case Client:
		return "client"
	case PrivateResource:
		return "private_resource"
	default:
		return "unknown"
	}
}

// Error is a classified failure. This is the only error shape callers of the
// scheduler ever observe on terminal rejection.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// New builds a classified error from a plain message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// KindOf returns the kind of an already-classified error, or Unknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce.Kind
	}
	return Unknown
}

// StatusError is implemented by errors that carry an HTTP-ish status code.
// Carrier clients wrap their transport failures with WithStatus so the
// classifier does not have to parse status codes out of message text.
type StatusError interface {
	error
	StatusCode() int
}

type statusError struct {
	err  error
	code int
}

func (e *statusError) Error() string   { return fmt.Sprintf("status %d: %v", e.code, e.err) }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

// WithStatus attaches a status code to err.
func WithStatus(err error, code int) error {
	if err == nil {
		return nil
	}
	return &statusError{err: err, code: code}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay,
// e.g. when a carrier returns a Retry-After header on 429.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}
func (e *retryAfterError) Unwrap() error             { return e.err }
func (e *retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryAfter attaches a suggested retry delay to err.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &retryAfterError{err: err, after: after}
}

// Classify maps an arbitrary error onto the taxonomy.
//
// Precedence: explicit Kind > deadline/timeout > status code > message
// content. Anything unrecognized is Unknown; the retry policy treats Unknown
// as retryable by default.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Timeout
		}
		return Network
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Network
	}

	var se StatusError
	if errors.As(err, &se) {
		if k, ok := classifyStatus(se.StatusCode(), err.Error()); ok {
			return k
		}
	}

	return classifyMessage(err.Error())
}

func classifyStatus(status int, msg string) (Kind, bool) {
	switch {
	case status == 401 || status == 403:
		if looksPrivate(msg) {
			return PrivateResource, true
		}
		return Auth, true
	case status == 429:
		return RateLimited, true
	case status >= 500 && status <= 599:
		return Server, true
	case status == 408:
		return Timeout, true
	case status >= 400 && status <= 499:
		return Client, true
	default:
		return Unknown, false
	}
}

func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case looksPrivate(m):
		return PrivateResource
	case contains(m, "unauthorized", "forbidden", "invalid token", "token expired", "invalid credential", "invalid api key", "authentication"):
		return Auth
	case contains(m, "rate limit", "too many requests", "throttl", "quota exceeded"):
		return RateLimited
	case contains(m, "timeout", "timed out", "deadline exceeded"):
		return Timeout
	case contains(m, "connection refused", "connection reset", "no such host", "network is unreachable", "broken pipe", "dns") || hasWord(m, "eof"):
		return Network
	case contains(m, "internal server error", "bad gateway", "service unavailable", "gateway timeout"):
		return Server
	case contains(m, "bad request", "not found", "invalid tracking number"):
		return Client
	default:
		return Unknown
	}
}

func looksPrivate(m string) bool {
	return contains(strings.ToLower(m), "private", "permission denied", "access denied", "not permitted")
}

// hasWord matches w as a whole word, so "unexpected eof" matches "eof" but
// "geofence" does not.
func hasWord(s, w string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if f == w {
			return true
		}
	}
	return false
}

func contains(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
