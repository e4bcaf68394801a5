// Package channel sends plain text to an external chat or SMS endpoint.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Channel is one outbound destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, text string) error
}

var ErrNotConfigured = errors.New("channel: not configured")

type Kind string

const (
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindBadRequest Kind = "bad_request"
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindServer     Kind = "server"
)

// Error is returned by every Send.
type Error struct {
	Channel    string
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Channel, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Channel, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindRateLimit, KindNetwork, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// IsTemporary reports whether resending may succeed.
func IsTemporary(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Temporary()
}

// RetryAfterOf returns the server's retry hint, if any.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
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

func statusError(channel string, status int, err error) *Error {
	return &Error{Channel: channel, Kind: kindForStatus(status), Status: status, Err: err}
}

func transportError(channel string, err error) *Error {
	kind := KindNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Channel: channel, Kind: kind, Err: err}
}

// IsPlaceholder reports whether v is empty or a template value such as YOUR_WEBHOOK_URL_HERE.
func IsPlaceholder(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return true
	}
	u := strings.ToUpper(v)
	return strings.Contains(u, "YOUR_") && strings.Contains(u, "_HERE")
}

// callCtx runs fn, which cannot take a context, and returns early on ctx end.
// fn keeps running in the background after an early return.
func callCtx(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
