// Package brain implements the Agent Brain (C4): a unified completion
// router over C3's provider clients, with persona-driven provider/model
// selection, bounded per-agent conversation memory, and a confidence
// heuristic over the shaped response.
package brain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hanaponodata/alexos-chainbot/internal/llm"
	"github.com/hanaponodata/alexos-chainbot/internal/logging"
	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

const defaultHistoryWindow = 20

// BrainError wraps a provider failure that the brain did not substitute
// away from; the caller sees it.
type BrainError struct {
	Provider string
	Err      error
}

func (e *BrainError) Error() string { return fmt.Sprintf("brain: provider %q: %v", e.Provider, e.Err) }
func (e *BrainError) Unwrap() error { return e.Err }

// BrainRequest is the brain's public request shape.
type BrainRequest struct {
	Prompt              string
	AgentID             string
	Persona             string
	ProviderTag         string
	Model               string
	ConversationHistory []llm.Turn
	ContextData         map[string]wfmodel.Envelope
}

// BrainResponse wraps the provider response plus the advisory confidence
// heuristic and any substitution metadata.
type BrainResponse struct {
	Content        string
	Model          string
	Provider       string
	TokensUsed     int
	FinishReason   string
	ProcessingTime time.Duration
	Confidence     float64
	Substituted    bool
	Metadata       map[string]string
}

// Availability reports whether a named provider is currently usable,
// injected so the brain's fallback-at-selection logic does not need to
// know adapter internals.
type Availability interface {
	Available(providerTag string) bool
}

// Brain is the process-wide completion router. ConversationHistory for one
// agent_id is serialized: the per-agent mutex from lockFor enforces "at
// most one brain call per agent_id at a time" (invariant 5).
type Brain struct {
	providers    map[string]llm.Provider
	availability Availability
	personas     *PersonaStore
	historyWindow int
	log          *logging.Logger

	historiesMu sync.Mutex
	histories   map[string][]llm.Turn
	agentLocks  map[string]*sync.Mutex
}

func New(providers map[string]llm.Provider, availability Availability, personas *PersonaStore) *Brain {
	return &Brain{
		providers:     providers,
		availability:  availability,
		personas:      personas,
		historyWindow: defaultHistoryWindow,
		log:           logging.NewComponentLogger("brain"),
		histories:     make(map[string][]llm.Turn),
		agentLocks:    make(map[string]*sync.Mutex),
	}
}

func (b *Brain) lockFor(agentID string) *sync.Mutex {
	b.historiesMu.Lock()
	defer b.historiesMu.Unlock()
	m, ok := b.agentLocks[agentID]
	if !ok {
		m = &sync.Mutex{}
		b.agentLocks[agentID] = m
	}
	return m
}

// GenerateCompletion selects a provider/model, composes the bounded
// conversation window, issues the completion, and shapes the response.
func (b *Brain) GenerateCompletion(ctx context.Context, req BrainRequest) (BrainResponse, error) {
	agentLock := b.lockFor(req.AgentID)
	agentLock.Lock()
	defer agentLock.Unlock()

	persona := b.personas.SelectForAgent("", req.Persona)

	providerTag, substituted := b.selectProvider(req.ProviderTag, persona)
	provider, ok := b.providers[providerTag]
	if !ok {
		return BrainResponse{}, &BrainError{Provider: providerTag, Err: fmt.Errorf("provider not configured")}
	}

	model := firstNonEmpty(req.Model, persona.PreferredModel)

	history := b.composeHistory(req.AgentID, req.ConversationHistory)

	completionReq := llm.CompletionRequest{
		Prompt:              req.Prompt,
		Model:               model,
		MaxTokens:           persona.MaxTokens,
		Temperature:         persona.Temperature,
		SystemMessage:       persona.SystemPrompt,
		ConversationHistory: history,
	}

	resp, err := provider.Generate(ctx, completionReq)
	if err != nil {
		// Provider errors propagate; the brain never silently substitutes
		// after a failure returned from the provider itself.
		return BrainResponse{}, &BrainError{Provider: providerTag, Err: err}
	}

	b.appendHistory(req.AgentID, req.Prompt, resp.Content)

	confidence := confidenceHeuristic(resp.Content)

	metadata := map[string]string{}
	for k, v := range resp.Metadata {
		metadata[k] = v
	}
	if substituted {
		metadata["substituted_from"] = req.ProviderTag
		metadata["substituted_to"] = providerTag
	}

	return BrainResponse{
		Content:        resp.Content,
		Model:          resp.Model,
		Provider:       providerTag,
		TokensUsed:     resp.TokensUsed,
		FinishReason:   resp.FinishReason,
		ProcessingTime: resp.ProcessingTime,
		Confidence:     confidence,
		Substituted:    substituted,
		Metadata:       metadata,
	}, nil
}

// selectProvider implements §4.4's precedence: caller → persona preferred
// → remote-if-configured else local. If the selected provider is
// unavailable at selection time, fall back to the other once.
func (b *Brain) selectProvider(callerTag string, persona Persona) (tag string, substituted bool) {
	chosen := callerTag
	if chosen == "" {
		chosen = persona.PreferredProvider
	}
	if chosen == "" {
		if _, ok := b.providers["remote"]; ok {
			chosen = "remote"
		} else {
			chosen = "local"
		}
	}
	if b.isAvailable(chosen) {
		return chosen, false
	}
	alt := otherProvider(chosen)
	if b.isAvailable(alt) {
		b.log.Warn("provider %q unavailable at selection, substituting %q", chosen, alt)
		return alt, true
	}
	return chosen, false
}

func (b *Brain) isAvailable(tag string) bool {
	if _, ok := b.providers[tag]; !ok {
		return false
	}
	if b.availability == nil {
		return true
	}
	return b.availability.Available(tag)
}

func otherProvider(tag string) string {
	if tag == "remote" {
		return "local"
	}
	return "remote"
}

func (b *Brain) composeHistory(agentID string, extra []llm.Turn) []llm.Turn {
	b.historiesMu.Lock()
	stored := append([]llm.Turn(nil), b.histories[agentID]...)
	b.historiesMu.Unlock()

	combined := append(stored, extra...)
	return truncateWindow(combined, b.historyWindow)
}

func (b *Brain) appendHistory(agentID, prompt, content string) {
	b.historiesMu.Lock()
	defer b.historiesMu.Unlock()
	history := b.histories[agentID]
	history = append(history, llm.Turn{Role: "user", Content: prompt}, llm.Turn{Role: "assistant", Content: content})
	b.histories[agentID] = truncateWindow(history, b.historyWindow)
}

// truncateWindow keeps the N most recent turns, dropping exactly the
// oldest on overflow.
func truncateWindow(turns []llm.Turn, n int) []llm.Turn {
	if len(turns) <= n {
		return turns
	}
	return append([]llm.Turn(nil), turns[len(turns)-n:]...)
}

// confidenceHeuristic derives an advisory [0,1] score from content length,
// terminal punctuation, and lexical diversity (unique-word ratio). Tests
// must only assert the value lies in range, never its exact value.
func confidenceHeuristic(content string) float64 {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0
	}
	words := strings.Fields(trimmed)
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[strings.ToLower(w)] = struct{}{}
	}
	diversity := 0.0
	if len(words) > 0 {
		diversity = float64(len(unique)) / float64(len(words))
	}

	lengthScore := float64(len(trimmed)) / 200
	if lengthScore > 1 {
		lengthScore = 1
	}

	lastRune := rune(trimmed[len(trimmed)-1])
	terminalScore := 0.0
	if unicode.Is(unicode.P, lastRune) {
		terminalScore = 1
	}

	score := 0.5*lengthScore + 0.3*diversity + 0.2*terminalScore
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
