package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLatencyRecorder struct {
	mu        sync.Mutex
	providers []string
}

func (f *fakeLatencyRecorder) RecordProviderLatency(ctx context.Context, provider string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers = append(f.providers, provider)
}

func TestRemoteProviderRecordsProviderLatency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"hi","model":"m","tokens_used":1,"finish_reason":"stop"}`))
	}))
	defer server.Close()

	m := &fakeLatencyRecorder{}
	provider := NewRemoteProvider(RemoteConfig{BaseURL: server.URL}, []Credential{{ID: "c1", APIKey: "sk"}}).WithMetrics(m)
	_, err := provider.Generate(context.Background(), CompletionRequest{Prompt: "hello", Model: "m"})
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"remote"}, m.providers)
}

func TestRemoteProviderHappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"hi there","model":"gpt-test","tokens_used":12,"finish_reason":"stop"}`))
	}))
	defer server.Close()

	provider := NewRemoteProvider(RemoteConfig{BaseURL: server.URL, DefaultModel: "gpt-test"}, []Credential{{ID: "c1", APIKey: "sk-test"}})
	resp, err := provider.Generate(context.Background(), CompletionRequest{Prompt: "hello", Model: "gpt-test"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, 12, resp.TokensUsed)
}

func TestRemoteProviderInvalidCredentialDoesNotRetry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := NewRemoteProvider(RemoteConfig{BaseURL: server.URL}, []Credential{{ID: "c1", APIKey: "bad"}})
	_, err := provider.Generate(context.Background(), CompletionRequest{Prompt: "hello", Model: "m"})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	var credErr *ErrInvalidCredential
	assert.ErrorAs(t, err, &credErr)
}

func TestRemoteProviderRetriesServerTransient(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"ok","model":"m","tokens_used":1,"finish_reason":"stop"}`))
	}))
	defer server.Close()

	provider := NewRemoteProvider(RemoteConfig{BaseURL: server.URL}, []Credential{{ID: "c1", APIKey: "sk"}})
	resp, err := provider.Generate(context.Background(), CompletionRequest{Prompt: "hello", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, attempts)
}

func TestRemoteProviderRetriesServerRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"ok","model":"m","tokens_used":1,"finish_reason":"stop"}`))
	}))
	defer server.Close()

	provider := NewRemoteProvider(RemoteConfig{BaseURL: server.URL}, []Credential{{ID: "c1", APIKey: "sk"}})
	resp, err := provider.Generate(context.Background(), CompletionRequest{Prompt: "hello", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, attempts)
}

func TestRemoteProviderRateLimitExhaustsRetriesAsRateLimitedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := NewRemoteProvider(RemoteConfig{BaseURL: server.URL}, []Credential{{ID: "c1", APIKey: "sk"}})
	_, err := provider.Generate(context.Background(), CompletionRequest{Prompt: "hello", Model: "m"})
	require.Error(t, err)
	var rateErr *ErrRateLimited
	assert.ErrorAs(t, err, &rateErr)
}

func TestRemoteProviderRateLimiterDelaysSecondCallUntilWindowSlides(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"ok","model":"m"}`))
	}))
	defer server.Close()

	provider := NewRemoteProvider(RemoteConfig{BaseURL: server.URL, RateWindow: 50 * time.Millisecond, RateCeiling: 1}, []Credential{{ID: "c1", APIKey: "sk"}})
	_, err := provider.Generate(context.Background(), CompletionRequest{Prompt: "hello", Model: "m"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = provider.Generate(ctx, CompletionRequest{Prompt: "hello2", Model: "m"})
	require.NoError(t, err)
}

func TestRemoteProviderRotateCredential(t *testing.T) {
	provider := NewRemoteProvider(RemoteConfig{BaseURL: "http://example.invalid"}, []Credential{{ID: "c1"}, {ID: "c2"}})
	first, _ := provider.currentCredential()
	provider.RotateCredential()
	second, _ := provider.currentCredential()
	assert.Equal(t, "c1", first.ID)
	assert.Equal(t, "c2", second.ID)
}
