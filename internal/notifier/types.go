package notifier

import (
	"errors"
	"fmt"
	"time"

	"github.com/philornot/ai-reminder/internal/channel"
	logx "github.com/philornot/ai-reminder/pkg/logx"
)

// Config controls delivery retry and the debug mirror.
type Config struct {
	// Timeout bounds one channel send.
	Timeout time.Duration
	// RetryMax is the number of extra primary attempts after a temporary failure.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DebugLevel is the lowest severity mirrored to the debug channel.
	DebugLevel logx.Level
	// RatePerSec throttles each channel (token bucket, burst = rate).
	RatePerSec int
	QueueSize  int
}

const (
	DefaultTimeout       = 10 * time.Second
	DefaultRetryMax      = 2
	DefaultRetryBase     = time.Second
	DefaultRetryMaxDelay = 30 * time.Second
	DefaultRatePerSec    = 1
	DefaultQueueSize     = 64
)

// HistoryItem is one message the notifier handled, newest last.
type HistoryItem struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"` // delivery | debug
	Channel string    `json:"channel"`
	Level   string    `json:"level,omitempty"`
	Text    string    `json:"text"`
	Error   string    `json:"error,omitempty"`
}

// DeliveryEvent is the eventbus payload for delivery.sent / delivery.failed.
type DeliveryEvent struct {
	Channel  string    `json:"channel"`
	Attempts int       `json:"attempts"`
	Length   int       `json:"length"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// DeliveryError is returned by Deliver once the primary channel gave up.
type DeliveryError struct {
	Channel  string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s failed after %d attempt(s): %v", e.Channel, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Temporary reports whether the last failure was transient (budget exhausted).
func (e *DeliveryError) Temporary() bool { return channel.IsTemporary(e.Err) }

// IsDeliveryError reports whether err is (or wraps) a *DeliveryError.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
