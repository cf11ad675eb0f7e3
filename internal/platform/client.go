package platform

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/launchkit-dev/launchkit/internal/domain"
)

const errorBodyLimit = 4096

// ReadAPIError drains a non-2xx response into an APIError. Provider error
// bodies differ; a JSON object with error/message fields is decoded when
// present, otherwise the raw body is used.
func ReadAPIError(p domain.Platform, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	message := strings.TrimSpace(string(body))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error.Message != "" {
			message = envelope.Error.Message
		} else if envelope.Message != "" {
			message = envelope.Message
		}
	}
	if message == "" {
		message = resp.Status
	}
	return &APIError{Platform: p, StatusCode: resp.StatusCode, Message: message}
}
