package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var ErrNoBackend = errors.New("provider: no usable backend")

// Kind classifies a generation failure.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindMalformed  Kind = "malformed"
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindServer     Kind = "server"
	KindBadRequest Kind = "bad_request"
)

// ProviderError is returned by every backend call.
type ProviderError struct {
	Provider   string
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		b.WriteString(" (http ")
		b.WriteString(strconv.Itoa(e.Status))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same backend may succeed.
func (e *ProviderError) Temporary() bool {
	switch e.Kind {
	case KindRateLimit, KindNetwork, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// IsTemporary reports whether err carries a temporary ProviderError.
func IsTemporary(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Temporary()
}

// IsKind reports whether err is a ProviderError of kind k.
func IsKind(err error, k Kind) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == k
}

// kindForStatus maps an HTTP status to an error kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServer
	default:
		return KindBadRequest
	}
}

// transportError classifies an error that never produced an HTTP status.
func transportError(provider string, err error) *ProviderError {
	kind := KindNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func malformed(provider, format string, args ...any) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindMalformed, Err: fmt.Errorf(format, args...)}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
