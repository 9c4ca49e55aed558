package workflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-graph/api/pkg/xjson"
)

func TestEchoModelClient(t *testing.T) {
	out, err := EchoModelClient{}.Generate(context.Background(), ModelRequest{
		Model: "m", UserMessage: "hello", Images: []string{"a", "b"},
	})

	require.NoError(t, err)
	assert.Equal(t, "[m] hello (2 images)", out)
}

func TestHTTPModelClient_Generate(t *testing.T) {
	var got ModelRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, xjson.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"text": "generated"}`))
	}))
	defer srv.Close()

	client := NewHTTPModelClient(srv.URL, "secret", time.Second)
	req := ModelRequest{Model: "m", SystemPrompt: "sys", UserMessage: "hi", Images: []string{"https://example.com/a.png"}}

	out, err := client.Generate(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "generated", out)
	assert.Equal(t, req, got)
}

func TestHTTPModelClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTTPModelClient(srv.URL, "", time.Second).Generate(context.Background(), ModelRequest{UserMessage: "hi"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestHTTPModelClient_BadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewHTTPModelClient(srv.URL, "", time.Second).Generate(context.Background(), ModelRequest{UserMessage: "hi"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode model response")
}
