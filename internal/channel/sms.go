package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// One SMS carries at most 1600 characters through the Messages API.
const smsLimit = 1600

type SMSConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMS sends through the Twilio Messages API.
type SMS struct {
	name string
	from string
	to   string
	api  messageCreator
}

func NewSMS(name string, cfg SMSConfig) (*SMS, error) {
	for field, v := range map[string]string{
		"account_sid": cfg.AccountSID,
		"auth_token":  cfg.AuthToken,
		"from":        cfg.From,
		"to":          cfg.To,
	} {
		if IsPlaceholder(v) {
			return nil, fmt.Errorf("%w: sms %s", ErrNotConfigured, field)
		}
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	if name == "" {
		name = "sms"
	}
	return &SMS{name: name, from: cfg.From, to: cfg.To, api: client.Api}, nil
}

func (s *SMS) Name() string { return s.name }

func (s *SMS) Send(ctx context.Context, text string) error {
	for _, part := range Split(text, smsLimit) {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(s.to)
		params.SetFrom(s.from)
		params.SetBody(part)

		err := callCtx(ctx, func() error {
			_, err := s.api.CreateMessage(params)
			return err
		})
		if err != nil {
			return s.classify(err)
		}
	}
	return nil
}

func (s *SMS) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return transportError(s.name, err)
	}
	var te *twclient.TwilioRestError
	if errors.As(err, &te) && te.Status != 0 {
		return statusError(s.name, te.Status, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "status: 4") {
		return &Error{Channel: s.name, Kind: KindBadRequest, Err: err}
	}
	return transportError(s.name, err)
}
