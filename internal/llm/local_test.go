package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProviderDiscoversAndGenerates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3"}]}`))
		case "/api/generate":
			w.Write([]byte(`{"response":"hi","finish_reason":"stop"}`))
		}
	}))
	defer server.Close()

	provider := NewLocalProvider([]CandidateEndpoint{
		{Family: "ollama", BaseURL: server.URL, ModelsPath: "/api/tags", GeneratePath: "/api/generate"},
	})
	provider.Discover(context.Background())

	status, ok := provider.ModelStatus("llama3")
	require.True(t, ok)
	assert.Equal(t, "ready", status)

	resp, err := provider.Generate(context.Background(), CompletionRequest{Model: "llama3", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
}

func TestLocalProviderUndiscoveredModelIsUnreachable(t *testing.T) {
	provider := NewLocalProvider(nil)
	_, err := provider.Generate(context.Background(), CompletionRequest{Model: "nope"})
	require.Error(t, err)
	var unreachable *ErrUnreachable
	assert.ErrorAs(t, err, &unreachable)
}

func TestLocalProviderRecordsProviderLatency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3"}]}`))
		case "/api/generate":
			w.Write([]byte(`{"response":"hi","finish_reason":"stop"}`))
		}
	}))
	defer server.Close()

	m := &fakeLatencyRecorder{}
	provider := NewLocalProvider([]CandidateEndpoint{
		{Family: "ollama", BaseURL: server.URL, ModelsPath: "/api/tags", GeneratePath: "/api/generate"},
	}).WithMetrics(m)
	provider.Discover(context.Background())

	_, err := provider.Generate(context.Background(), CompletionRequest{Model: "llama3", Prompt: "hi"})
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"local"}, m.providers)
}

func TestLocalProviderUnreachableEndpointMarksModelsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3"}]}`))
	}))
	provider := NewLocalProvider([]CandidateEndpoint{
		{Family: "ollama", BaseURL: server.URL, ModelsPath: "/api/tags"},
	})
	provider.Discover(context.Background())
	server.Close()
	provider.Discover(context.Background())

	status, ok := provider.ModelStatus("llama3")
	require.True(t, ok)
	assert.Equal(t, "error", status)

	_, err := provider.Generate(context.Background(), CompletionRequest{Model: "llama3"})
	require.Error(t, err)
	var notReady *ErrNotReady
	assert.ErrorAs(t, err, &notReady)
}
