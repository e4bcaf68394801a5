package channel

import (
	"fmt"
	"net/http"
	"strings"
)

// Spec selects and configures one channel.
type Spec struct {
	Kind     string
	Discord  *DiscordConfig
	Telegram *TelegramConfig
	SMS      *SMSConfig
}

// Build constructs the channel named by spec.Kind.
func Build(name string, spec Spec, hc *http.Client) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case "discord", "":
		if spec.Discord == nil {
			return nil, fmt.Errorf("%w: discord section missing", ErrNotConfigured)
		}
		return NewDiscord(name, *spec.Discord, hc)
	case "telegram":
		if spec.Telegram == nil {
			return nil, fmt.Errorf("%w: telegram section missing", ErrNotConfigured)
		}
		return NewTelegram(name, *spec.Telegram, hc)
	case "sms", "twilio":
		if spec.SMS == nil {
			return nil, fmt.Errorf("%w: sms section missing", ErrNotConfigured)
		}
		return NewSMS(name, *spec.SMS)
	default:
		return nil, fmt.Errorf("channel: unsupported kind %q (want discord, telegram or sms)", spec.Kind)
	}
}
