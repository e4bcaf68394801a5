package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const discordLimit = 2000

type DiscordConfig struct {
	WebhookURL string
	// Username overrides the webhook's display name.
	Username string
}

// Discord posts to an incoming webhook.
type Discord struct {
	name    string
	id      string
	token   string
	user    string
	session *discordgo.Session
}

// NewDiscord validates the webhook URL. hc may be nil.
func NewDiscord(name string, cfg DiscordConfig, hc *http.Client) (*Discord, error) {
	if IsPlaceholder(cfg.WebhookURL) {
		return nil, fmt.Errorf("%w: discord webhook_url", ErrNotConfigured)
	}
	id, token, err := ParseWebhookURL(cfg.WebhookURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	if hc != nil {
		s.Client = hc
	}
	// Retries are the notifier's job.
	s.ShouldRetryOnRateLimit = false
	s.MaxRestRetries = 0
	if name == "" {
		name = "discord"
	}
	return &Discord{name: name, id: id, token: token, user: cfg.Username, session: s}, nil
}

func (d *Discord) Name() string { return d.name }

func (d *Discord) Send(ctx context.Context, text string) error {
	for _, part := range Split(text, discordLimit) {
		params := &discordgo.WebhookParams{Content: part, Username: d.user}
		// Mentions in generated text must never ping anyone.
		params.AllowedMentions = &discordgo.MessageAllowedMentions{}
		if _, err := d.session.WebhookExecute(d.id, d.token, true, params, discordgo.WithContext(ctx)); err != nil {
			return d.classify(ctx, err)
		}
	}
	return nil
}

func (d *Discord) classify(ctx context.Context, err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		ce := &Error{Channel: d.name, Kind: KindRateLimit, Status: http.StatusTooManyRequests, Err: err}
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			ce.RetryAfter = rl.TooManyRequests.RetryAfter
		}
		return ce
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		return statusError(d.name, re.Response.StatusCode, err)
	}
	if ctx.Err() != nil {
		return transportError(d.name, ctx.Err())
	}
	return transportError(d.name, err)
}

// ParseWebhookURL extracts the id and token from
// https://discord.com/api/webhooks/{id}/{token} (discordapp.com and versioned paths too).
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("discord webhook url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", "", fmt.Errorf("discord webhook url: unsupported scheme %q", u.Scheme)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] != "webhooks" {
			continue
		}
		id, token = parts[i+1], parts[i+2]
		if id == "" || token == "" {
			break
		}
		for _, r := range id {
			if r < '0' || r > '9' {
				return "", "", fmt.Errorf("discord webhook url: id %q is not numeric", id)
			}
		}
		return id, token, nil
	}
	return "", "", fmt.Errorf("discord webhook url: expected /api/webhooks/{id}/{token}")
}
