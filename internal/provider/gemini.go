package provider

import (
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// geminiBaseURL is the OpenAI-compatible surface of the Gemini API.
const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// googleError is the google.rpc.Status envelope. The compat endpoint wraps it
// in a one-element array; the native API sends the bare object.
type googleError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

var googleAuthMarkers = map[string]bool{
	"API_KEY_INVALID":   true,
	"API_KEY_EXPIRED":   true,
	"PERMISSION_DENIED": true,
	"UNAUTHENTICATED":   true,
}

func decodeGoogleError(body []byte) (googleError, bool) {
	var ge googleError
	if err := json.Unmarshal(body, &ge); err == nil && ge.Error.Status != "" {
		return ge, true
	}
	var list []googleError
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 && list[0].Error.Status != "" {
		return list[0], true
	}
	return googleError{}, false
}

// googleAuthRejected reports whether a Gemini error means the key itself was
// refused. Gemini answers a bad key with 400 INVALID_ARGUMENT, so the status
// code alone classifies it as a bad request.
func googleAuthRejected(err error) bool {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		ge, ok := decodeGoogleError(reqErr.Body)
		if !ok {
			return false
		}
		if googleAuthMarkers[ge.Error.Status] {
			return true
		}
		for _, d := range ge.Error.Details {
			if googleAuthMarkers[d.Reason] {
				return true
			}
		}
		return false
	}
	// Parsed as an APIError, status and details are dropped; only the message survives.
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		return strings.Contains(msg, "api key not valid") || strings.Contains(msg, "api key expired")
	}
	return false
}
