// Package synth_test tests the HTTP synthesizer client.
package synth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedrop/voicedrop/internal/synth"
)

const testAudioData = "fake-mp3-data"

func createSuccessHandler(t *testing.T) http.HandlerFunc {
	t.Helper()

	return func(responseWriter http.ResponseWriter, request *http.Request) {
		assert.Equal(t, http.MethodPost, request.Method)
		assert.Equal(t, "/v1/generate/speech", request.URL.Path)
		assert.Equal(t, "application/json", request.Header.Get("Content-Type"))
		assert.Equal(t, "audio/mpeg", request.Header.Get("Accept"))

		var payload map[string]any

		err := json.NewDecoder(request.Body).Decode(&payload)
		require.NoError(t, err)
		assert.Equal(t, "hello", payload["text"])
		assert.Equal(t, "v1", payload["voice"])

		responseWriter.Header().Set("Content-Type", "audio/mpeg")
		responseWriter.WriteHeader(http.StatusOK)

		_, err = responseWriter.Write([]byte(testAudioData))
		require.NoError(t, err)
	}
}

func TestSynthesizeSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(createSuccessHandler(t))
	defer server.Close()

	client := synth.NewHTTPClient(server.URL, 10*time.Second)

	audioData, err := client.Synthesize(context.Background(), "hello", "v1")
	require.NoError(t, err)
	assert.Equal(t, []byte(testAudioData), audioData)
}

func TestSynthesizeValidation(t *testing.T) {
	t.Parallel()

	client := synth.NewHTTPClient("http://localhost:1", time.Second)

	_, err := client.Synthesize(context.Background(), "", "v1")
	assert.ErrorIs(t, err, synth.ErrTextEmpty)

	_, err = client.Synthesize(context.Background(), "hello", "")
	assert.ErrorIs(t, err, synth.ErrVoiceEmpty)
}

func TestSynthesizeServiceError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(
		func(responseWriter http.ResponseWriter, _ *http.Request) {
			responseWriter.Header().Set("Content-Type", "application/json")
			responseWriter.WriteHeader(http.StatusBadGateway)

			_ = json.NewEncoder(responseWriter).Encode(map[string]string{
				"detail":     "voice model not loaded",
				"error_code": "VOICE_UNAVAILABLE",
			})
		},
	))
	defer server.Close()

	client := synth.NewHTTPClient(server.URL, time.Second)

	_, err := client.Synthesize(context.Background(), "hello", "v1")
	require.Error(t, err)
	assert.ErrorIs(t, err, synth.ErrServiceFailure)
	assert.Contains(t, err.Error(), "voice model not loaded")
}

func TestSynthesizeWrongContentType(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(
		func(responseWriter http.ResponseWriter, _ *http.Request) {
			responseWriter.Header().Set("Content-Type", "text/plain")
			responseWriter.WriteHeader(http.StatusOK)

			_, _ = responseWriter.Write([]byte("not audio"))
		},
	))
	defer server.Close()

	client := synth.NewHTTPClient(server.URL, time.Second)

	_, err := client.Synthesize(context.Background(), "hello", "v1")
	assert.ErrorIs(t, err, synth.ErrBadContentType)
}

func TestSynthesizeTimeout(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(
		func(http.ResponseWriter, *http.Request) {
			<-blocked
		},
	))

	defer func() {
		close(blocked)
		server.Close()
	}()

	client := synth.NewHTTPClient(server.URL, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Synthesize(ctx, "hello", "v1")
	assert.Error(t, err, "a timed-out attempt must surface as a failure for the retry policy")
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(
		func(responseWriter http.ResponseWriter, request *http.Request) {
			assert.Equal(t, "/health", request.URL.Path)
			responseWriter.WriteHeader(http.StatusOK)
		},
	))
	defer server.Close()

	client := synth.NewHTTPClient(server.URL, time.Second)

	err := client.HealthCheck(context.Background())
	assert.NoError(t, err)
}
