package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanaponodata/alexos-chainbot/internal/coreerrors"
	"github.com/hanaponodata/alexos-chainbot/internal/logging"
)

var remoteTracer = otel.Tracer("alexos-chainbot/llm/remote")

// Credential is one API key the remote adapter can rotate through.
type Credential struct {
	ID     string
	APIKey string
}

// RemoteConfig configures a RemoteProvider.
type RemoteConfig struct {
	BaseURL          string
	DefaultModel     string
	ModelMaxTokens   map[string]int
	RateWindow       time.Duration // default 60s
	RateCeiling      int           // max requests per window per credential
	Timeout          time.Duration // default 30s
	CircuitThreshold int
	CircuitCooldown  time.Duration
}

// LatencyRecorder is the narrow surface provider clients report call
// duration against; *metrics.Registry satisfies it without this package
// importing metrics directly.
type LatencyRecorder interface {
	RecordProviderLatency(ctx context.Context, provider string, d time.Duration)
}

// RemoteProvider is the remote-LLM adapter: credential rotation, per-model
// max-token enforcement, sliding-window rate accounting, and retry with
// exponential backoff on transient upstream errors.
type RemoteProvider struct {
	cfg     RemoteConfig
	client  *http.Client
	limiter *RateLimiter
	breaker *coreerrors.CircuitBreaker
	log     *logging.Logger
	metrics LatencyRecorder

	mu          sync.Mutex
	credentials []Credential
	activeIdx   int
}

func NewRemoteProvider(cfg RemoteConfig, credentials []Credential) *RemoteProvider {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 60 * time.Second
	}
	if cfg.RateCeiling <= 0 {
		cfg.RateCeiling = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = 5
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = 30 * time.Second
	}
	return &RemoteProvider{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		limiter:     NewRateLimiter(cfg.RateWindow, cfg.RateCeiling),
		breaker:     coreerrors.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		log:         logging.NewComponentLogger("llm.remote"),
		credentials: credentials,
	}
}

// WithMetrics attaches a latency collaborator; nil is a valid no-op.
func (p *RemoteProvider) WithMetrics(m LatencyRecorder) *RemoteProvider {
	p.metrics = m
	return p
}

func (p *RemoteProvider) Name() string { return "remote" }

// RotateCredential explicitly promotes the next configured credential,
// e.g. after an InvalidCredential failure on the current one.
func (p *RemoteProvider) RotateCredential() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.credentials) == 0 {
		return
	}
	p.activeIdx = (p.activeIdx + 1) % len(p.credentials)
}

func (p *RemoteProvider) currentCredential() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.credentials) == 0 {
		return Credential{}, &ErrUnreachable{Detail: "no credentials configured"}
	}
	return p.credentials[p.activeIdx], nil
}

func (p *RemoteProvider) Generate(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	ctx, span := remoteTracer.Start(ctx, "llm.remote.generate", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	cred, err := p.currentCredential()
	if err != nil {
		return CompletionResponse{}, err
	}

	if maxTok, ok := p.cfg.ModelMaxTokens[req.Model]; ok && req.MaxTokens > maxTok {
		req.MaxTokens = maxTok
	}

	retryCfg := coreerrors.DefaultRetryConfig()
	start := time.Now()

	result, err := coreerrors.RetryWithResultAndLog(ctx, retryCfg, p.log, "remote.generate", func(ctx context.Context, attempt int) (CompletionResponse, error) {
		if allowed, wait := p.limiter.CheckAndRecord(cred.ID, req.MaxTokens); !allowed {
			select {
			case <-ctx.Done():
				return CompletionResponse{}, ctx.Err()
			case <-time.After(wait):
			}
			if allowed2, _ := p.limiter.CheckAndRecord(cred.ID, req.MaxTokens); !allowed2 {
				return CompletionResponse{}, &ErrRateLimited{RetryAfter: wait}
			}
		}

		var resp CompletionResponse
		breakerErr := p.breaker.Execute(func() error {
			r, callErr := p.doCall(ctx, cred, req)
			if callErr != nil {
				return callErr
			}
			resp = r
			return nil
		})
		if breakerErr != nil {
			if breakerErr == coreerrors.ErrCircuitOpen {
				return CompletionResponse{}, &ErrUnreachable{Detail: "circuit open for remote provider"}
			}
			return CompletionResponse{}, breakerErr
		}
		return resp, nil
	})
	if p.metrics != nil {
		p.metrics.RecordProviderLatency(ctx, "remote", time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		return CompletionResponse{}, translateRemoteError(err)
	}
	result.ProcessingTime = time.Since(start)
	return result, nil
}

func (p *RemoteProvider) doCall(ctx context.Context, cred Credential, req CompletionRequest) (CompletionResponse, error) {
	payload := map[string]any{
		"model":       firstNonEmpty(req.Model, p.cfg.DefaultModel),
		"prompt":      req.Prompt,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"top_p":       req.TopP,
		"stop":        req.StopSequences,
	}
	if req.SystemMessage != "" {
		payload["system"] = req.SystemMessage
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CompletionResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return CompletionResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, coreerrors.ClassifyExternalError(err, 0)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return CompletionResponse{}, &ErrInvalidCredential{CredentialID: cred.ID}
	case resp.StatusCode == 429:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return CompletionResponse{}, coreerrors.NewTransientError(&ErrRateLimited{RetryAfter: retryAfter}, 429, int(retryAfter.Seconds()))
	case resp.StatusCode == 500 || resp.StatusCode == 502 || resp.StatusCode == 503 || resp.StatusCode == 504:
		return CompletionResponse{}, coreerrors.NewTransientError(&ErrServerTransient{Status: resp.StatusCode}, resp.StatusCode, 0)
	case resp.StatusCode >= 300:
		return CompletionResponse{}, coreerrors.NewPermanentError(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw)), resp.StatusCode)
	}

	var decoded struct {
		Content      string `json:"content"`
		Model        string `json:"model"`
		TokensUsed   int    `json:"tokens_used"`
		FinishReason string `json:"finish_reason"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return CompletionResponse{}, coreerrors.NewPermanentError(fmt.Errorf("decoding response: %w", err), resp.StatusCode)
	}
	return CompletionResponse{
		Content:      decoded.Content,
		Model:        decoded.Model,
		TokensUsed:   decoded.TokensUsed,
		FinishReason: decoded.FinishReason,
		Metadata:     map[string]string{"credential_id": cred.ID},
	}, nil
}

// translateRemoteError unwraps a retry-exhausted coreerrors.TransientError
// back to the concrete provider error (ErrRateLimited, ErrServerTransient)
// it wraps, so callers can type-switch on the specific cause rather than a
// generic transient marker.
func translateRemoteError(err error) error {
	var te *coreerrors.TransientError
	if errors.As(err, &te) && te.Err != nil {
		return te.Err
	}
	return err
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return 5 * time.Second
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
