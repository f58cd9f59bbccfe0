package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *anthropicGenerator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL, APIKeyEnv: "TEST_KEY", MaxRetries: 2}
	cfg.SetDefaults()
	cfg.RateLimit = 1000
	gen, err := newAnthropicGenerator(cfg, "sk-test")
	require.NoError(t, err)
	return gen
}

func TestAnthropicGenerator_Generate(t *testing.T) {
	gen := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("X-API-Key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("Anthropic-Version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, defaultAnthropicModel, req.Model)
		assert.NotEmpty(t, req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "hello", req.Messages[0].Content)

		w.Write([]byte(`{"content":[{"type":"text","text":"{\"text\":\"hi\"}"}]}`))
	})

	out, err := gen.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"text":"hi"}`, out)
}

func TestAnthropicGenerator_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	gen := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	})

	out, err := gen.Generate(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAnthropicGenerator_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	gen := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad model"}}`))
	})

	_, err := gen.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad model")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewGenerator(t *testing.T) {
	_, err := NewGenerator(Config{}, nil)
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = NewGenerator(Config{Provider: "gemini"}, nil)
	assert.Error(t, err)

	t.Setenv("COWORK_TEST_EMPTY_KEY", "")
	_, err = NewGenerator(Config{Provider: ProviderAnthropic, APIKeyEnv: "COWORK_TEST_EMPTY_KEY"}, nil)
	assert.Error(t, err)
}
