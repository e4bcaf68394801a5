package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// openAIBackend serves openai, groq, gemini and any OpenAI-compatible endpoint.
type openAIBackend struct {
	cfg    BackendConfig
	client *openai.Client
}

func newOpenAI(cfg BackendConfig) *openAIBackend {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = hintingDoer{next: cfg.HTTPClient}
	return &openAIBackend{cfg: cfg, client: openai.NewClientWithConfig(oc)}
}

func (b *openAIBackend) Name() string  { return b.cfg.Name }
func (b *openAIBackend) Kind() string  { return b.cfg.Kind }
func (b *openAIBackend) Model() string { return b.cfg.Model }

func (b *openAIBackend) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, hint := withRetryHint(ctx)
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   b.cfg.MaxTokens,
		Temperature: b.cfg.Temperature,
	})
	if err != nil {
		pe := b.classify(err)
		pe.RetryAfter = hint.after
		return "", pe
	}
	if len(resp.Choices) == 0 {
		return "", malformed(b.cfg.Name, "no choices in response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", malformed(b.cfg.Name, "empty completion (finish_reason=%s)", resp.Choices[0].FinishReason)
	}
	return text, nil
}

// Probe lists models, which every OpenAI-compatible API gates on the key.
func (b *openAIBackend) Probe(ctx context.Context) error {
	if _, err := b.client.ListModels(ctx); err != nil {
		return b.classify(err)
	}
	return nil
}

func (b *openAIBackend) classify(err error) *ProviderError {
	status := httpStatus(err)
	if b.cfg.Kind == "gemini" && googleAuthRejected(err) {
		return &ProviderError{Provider: b.cfg.Name, Kind: KindAuth, Status: status, Err: err}
	}
	if status != 0 {
		return &ProviderError{Provider: b.cfg.Name, Kind: kindForStatus(status), Status: status, Err: err}
	}
	return transportError(b.cfg.Name, err)
}

func httpStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// retryHint carries the Retry-After of a failed response back to the caller,
// since the client's error types drop response headers.
type retryHint struct {
	after time.Duration
}

type retryHintKey struct{}

func withRetryHint(ctx context.Context) (context.Context, *retryHint) {
	h := &retryHint{}
	return context.WithValue(ctx, retryHintKey{}, h), h
}

type hintingDoer struct {
	next *http.Client
}

func (d hintingDoer) Do(req *http.Request) (*http.Response, error) {
	res, err := d.next.Do(req)
	if err != nil || res.StatusCode/100 == 2 {
		return res, err
	}
	if h, ok := req.Context().Value(retryHintKey{}).(*retryHint); ok {
		h.after = parseRetryAfter(res.Header.Get("Retry-After"), time.Now())
	}
	return res, err
}
