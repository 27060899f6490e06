// Package synth wraps the external text-to-speech engines behind the
// core.Synthesizer contract: an HTTP client for a standalone synthesis
// service and a command engine that shells out to a local binary.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeMPEG   = "audio/mpeg"
)

// Default values.
const (
	defaultTemperature = 0.75
	defaultLanguage    = "en"
)

// Static errors.
var (
	ErrTextEmpty      = errors.New("text cannot be empty")
	ErrVoiceEmpty     = errors.New("voice cannot be empty")
	ErrEmptyAudio     = errors.New("received empty audio data")
	ErrBadContentType = errors.New("unexpected content type")
	ErrServiceFailure = errors.New("synthesis service error")
	ErrCommandConfig  = errors.New("command engine configuration incomplete")
)

// HTTPClient is a client for the standalone synthesis HTTP service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// speechRequest is the JSON payload for synthesis generation requests.
type speechRequest struct {
	// Text is the message to voice. Must be non-empty.
	Text string `json:"text"`

	// Voice selects the creator's voice model on the service side.
	Voice string `json:"voice"`

	// Language is the target language code. Defaults to "en".
	Language string `json:"language"`

	// Temperature controls randomness in speech generation.
	Temperature float64 `json:"temperature"`
}

// errorResponse is the structured error body returned by the service.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient configures an HTTP synthesizer client. The baseURL should
// include protocol and port (e.g. "http://localhost:8000"). The timeout
// bounds every synthesis call; a timed-out attempt is treated as failed and
// left to the retry policy.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Synthesize sends a generation request and returns the raw audio bytes in
// MP3 format as specified by the service contract.
func (c *HTTPClient) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if text == "" {
		return nil, ErrTextEmpty
	}

	if voice == "" {
		return nil, ErrVoiceEmpty
	}

	requestBody, err := json.Marshal(speechRequest{
		Text:        text,
		Voice:       voice,
		Language:    defaultLanguage,
		Temperature: defaultTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + apiGenerateSpeech

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeMPEG)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to synthesis service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeMPEG {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrBadContentType, contentTypeMPEG, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// HealthCheck verifies that the synthesis service is running. The service
// performs this before accepting work so an unavailable engine is diagnosed
// at startup rather than on the first job.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	url := c.baseURL + apiHealth

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse attempts to decode a structured JSON error from the
// service, falling back to the raw body so diagnostics are preserved.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	var errorResp errorResponse

	err := json.NewDecoder(resp.Body).Decode(&errorResp)
	if err == nil {
		return fmt.Errorf("%w (%s): %s (code: %s)",
			ErrServiceFailure, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	body, _ := io.ReadAll(resp.Body)

	return fmt.Errorf("%w: non-OK status %s, body: %s", ErrServiceFailure, resp.Status, string(body))
}
