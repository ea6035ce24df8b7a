package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanaponodata/alexos-chainbot/internal/logging"
)

var localTracer = otel.Tracer("alexos-chainbot/llm/local")

// CandidateEndpoint is one local-runtime family the discovery probe
// checks, e.g. Ollama-shaped, LM-Studio-shaped, or maclink-shaped.
type CandidateEndpoint struct {
	Family      string
	BaseURL     string
	ModelsPath  string // e.g. "/api/tags"
	GeneratePath string // e.g. "/api/generate"
}

type modelStatus string

const (
	modelReady modelStatus = "ready"
	modelError modelStatus = "error"
)

type discoveredModel struct {
	family   string
	baseURL  string
	genPath  string
	status   modelStatus
}

// LocalProvider probes a fixed set of candidate endpoints at startup and
// on a health loop, caching which models are ready.
type LocalProvider struct {
	client     *http.Client
	candidates []CandidateEndpoint
	log        *logging.Logger
	metrics    LatencyRecorder

	mu     sync.RWMutex
	models map[string]*discoveredModel

	healthInterval time.Duration
	stop           chan struct{}
	stopOnce       sync.Once
}

func NewLocalProvider(candidates []CandidateEndpoint) *LocalProvider {
	return &LocalProvider{
		client:         &http.Client{Timeout: 60 * time.Second},
		candidates:     candidates,
		log:            logging.NewComponentLogger("llm.local"),
		models:         make(map[string]*discoveredModel),
		healthInterval: 30 * time.Second,
		stop:           make(chan struct{}),
	}
}

// WithMetrics attaches a latency collaborator; nil is a valid no-op.
func (p *LocalProvider) WithMetrics(m LatencyRecorder) *LocalProvider {
	p.metrics = m
	return p
}

func (p *LocalProvider) Name() string { return "local" }

// Discover probes every candidate endpoint once, synchronously, populating
// the model cache. Call before StartHealthLoop.
func (p *LocalProvider) Discover(ctx context.Context) {
	for _, candidate := range p.candidates {
		p.probe(ctx, candidate)
	}
}

// StartHealthLoop re-probes every candidate on the configured interval
// (default 30s) until ctx is cancelled or Stop is called.
func (p *LocalProvider) StartHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.healthInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				for _, candidate := range p.candidates {
					p.probe(ctx, candidate)
				}
			}
		}
	}()
}

func (p *LocalProvider) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *LocalProvider) probe(ctx context.Context, candidate CandidateEndpoint) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate.BaseURL+candidate.ModelsPath, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.markFamilyUnreachable(candidate.Family)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.markFamilyUnreachable(candidate.Family)
		return
	}
	raw, _ := io.ReadAll(resp.Body)
	var decoded struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		p.markFamilyUnreachable(candidate.Family)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range decoded.Models {
		p.models[m.Name] = &discoveredModel{
			family:  candidate.Family,
			baseURL: candidate.BaseURL,
			genPath: candidate.GeneratePath,
			status:  modelReady,
		}
	}
}

func (p *LocalProvider) markFamilyUnreachable(family string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.models {
		if m.family == family {
			m.status = modelError
		}
	}
}

// ModelStatus reports whether a model is currently ready, for
// introspection/tests.
func (p *LocalProvider) ModelStatus(model string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.models[model]
	if !ok {
		return "", false
	}
	return string(m.status), true
}

func (p *LocalProvider) Generate(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	ctx, span := localTracer.Start(ctx, "llm.local.generate", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	p.mu.RLock()
	m, ok := p.models[req.Model]
	p.mu.RUnlock()
	if !ok {
		return CompletionResponse{}, &ErrUnreachable{Detail: fmt.Sprintf("model %q not discovered on any local runtime", req.Model)}
	}
	if m.status != modelReady {
		return CompletionResponse{}, &ErrNotReady{Model: req.Model}
	}

	start := time.Now()
	if p.metrics != nil {
		defer func() { p.metrics.RecordProviderLatency(ctx, "local", time.Since(start)) }()
	}
	payload := map[string]any{
		"model":       req.Model,
		"prompt":      req.Prompt,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CompletionResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+m.genPath, bytes.NewReader(body))
	if err != nil {
		return CompletionResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.mu.Lock()
		m.status = modelError
		p.mu.Unlock()
		return CompletionResponse{}, &ErrUnreachable{Detail: err.Error()}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return CompletionResponse{}, &ErrServerTransient{Status: resp.StatusCode}
	}

	var decoded struct {
		Content      string `json:"response"`
		FinishReason string `json:"finish_reason"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return CompletionResponse{}, fmt.Errorf("decoding local response: %w", err)
	}
	return CompletionResponse{
		Content:        decoded.Content,
		Model:          req.Model,
		FinishReason:   decoded.FinishReason,
		ProcessingTime: time.Since(start),
		Metadata:       map[string]string{"family": m.family},
	}, nil
}
