package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/config"
)

func TestClient_CompleteJSON(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}]}`))
	}))
	defer srv.Close()

	c := New(config.CompletionConfig{BaseURL: srv.URL + "/v1/", APIKey: "secret", Model: "m1", Timeout: time.Second})
	out, err := c.CompleteJSON(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, "m1", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{name: "throttled", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`, retryable: true},
		{name: "upstream down", status: http.StatusBadGateway, body: "bad gateway", retryable: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":{"message":"bad model"}}`},
		{name: "empty choices", status: http.StatusOK, body: `{"choices":[]}`, retryable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := New(config.CompletionConfig{BaseURL: srv.URL, Model: "m1"})
			_, err := c.CompleteJSON(context.Background(), "sys", "user")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, errors.Is(err, ErrRetryable))
		})
	}
}

func TestClient_Unconfigured(t *testing.T) {
	c := New(config.CompletionConfig{})
	assert.False(t, c.Enabled())
	_, err := c.CompleteJSON(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":{"b":1}}`, ExtractJSON("```json\n{\"a\":{\"b\":1}}\n```"))
	assert.Equal(t, "", ExtractJSON("no json here"))
}
