package alexos

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

func testAgent() AgentInfo {
	return AgentInfo{
		Name:           "chainbot",
		Version:        "1.0.0",
		Role:           "orchestrator",
		Capabilities:   []string{"workflows", "agents"},
		UIFeatures:     []string{"workflow_builder"},
		Endpoints:      []string{"/api/workflows"},
		Port:           8080,
		HealthEndpoint: "/health",
	}
}

func TestRegisterOnceSucceeds(t *testing.T) {
	registered := make(chan registrationPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/agents/register" {
			var payload registrationPayload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			registered <- payload
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{ModuleRegistryURL: srv.URL, WebhookURL: srv.URL, EventBusURL: "ws://127.0.0.1:0/nowhere"}, testAgent())
	c.registerOnce(context.Background())

	status, _ := c.Status()
	assert.Equal(t, StatusRegistered, status)

	select {
	case payload := <-registered:
		assert.Equal(t, "chainbot", payload.AgentName)
		assert.Equal(t, []string{"workflows", "agents"}, payload.Capabilities)
	case <-time.After(time.Second):
		t.Fatal("registration request never arrived")
	}
}

func TestRegisterOnceFailureSetsStatusFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{ModuleRegistryURL: srv.URL, WebhookURL: srv.URL}, testAgent())
	c.registerOnce(context.Background())

	status, _ := c.Status()
	assert.Equal(t, StatusFailed, status)
}

func TestHealthLoopRetriesFailedRegistrationThenSucceeds(t *testing.T) {
	var failFirst int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/agents/register" && atomic.CompareAndSwapInt32(&failFirst, 1, 0) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{
		ModuleRegistryURL:   srv.URL,
		WebhookURL:          srv.URL,
		HealthCheckInterval: 10 * time.Millisecond,
		EventBusURL:         "ws://127.0.0.1:0/nowhere",
	}, testAgent())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	status, _ := c.Status()
	assert.Equal(t, StatusFailed, status)

	require.Eventually(t, func() bool {
		status, _ := c.Status()
		return status == StatusRegistered
	}, time.Second, 5*time.Millisecond)
}

func TestEmitLifecycleEventPostsToWebhookSubpath(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{ModuleRegistryURL: srv.URL, WebhookURL: srv.URL}, testAgent())
	err := c.EmitLifecycleEvent(context.Background(), "workflow_started", map[string]wfmodel.Envelope{
		"workflow_id": wfmodel.String("wf-1"),
	})
	require.NoError(t, err)

	select {
	case path := <-received:
		assert.Equal(t, "/api/webhooks/chainbot/workflow_started", path)
	case <-time.After(time.Second):
		t.Fatal("webhook request never arrived")
	}
}

func TestEventListenerDispatchesRegisteredHandler(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{
			"event_type": "hot_swap",
			"source":     "alex-os",
			"data":       map[string]any{"window": "chat"},
		})
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	c := New(Config{ModuleRegistryURL: srv.URL, WebhookURL: srv.URL, EventBusURL: wsURL}, testAgent())

	received := make(chan map[string]any, 1)
	c.RegisterHandler("hot_swap", func(eventType string, data map[string]any) {
		received <- data
	})

	require.NoError(t, c.connectEventBus(context.Background()))
	c.wg.Add(1)
	go c.eventListener()
	defer c.Stop()

	select {
	case data := <-received:
		assert.Equal(t, "chat", data["window"])
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}
