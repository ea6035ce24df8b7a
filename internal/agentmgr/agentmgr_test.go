package agentmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanaponodata/alexos-chainbot/internal/audit"
	"github.com/hanaponodata/alexos-chainbot/internal/brain"
	"github.com/hanaponodata/alexos-chainbot/internal/llm"
	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

type fakeProvider struct {
	name string
	fail error
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Generate(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	if p.fail != nil {
		return llm.CompletionResponse{}, p.fail
	}
	return llm.CompletionResponse{Content: "reply to: " + req.Prompt, Model: req.Model}, nil
}

type alwaysAvailable struct{}

func (alwaysAvailable) Available(string) bool { return true }

func newTestManager(fail error) (*Manager, *audit.Sink) {
	providers := map[string]llm.Provider{"remote": &fakeProvider{name: "remote", fail: fail}}
	b := brain.New(providers, alwaysAvailable{}, brain.NewPersonaStore())
	sink := audit.New(nil)
	return New(b, nil, sink), sink
}

func TestCreateAgentValidatesCustomGPTConfig(t *testing.T) {
	m, _ := newTestManager(nil)
	_, err := m.CreateAgent("custom_gpt", "my-gpt", map[string]wfmodel.Envelope{}, "owner-1")
	require.Error(t, err)

	id, err := m.CreateAgent("custom_gpt", "my-gpt", map[string]wfmodel.Envelope{
		"gpt_id":       wfmodel.String("gpt-123"),
		"instructions": wfmodel.String("be nice"),
	}, "owner-1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestCreateAgentValidatesChatGPTConfig(t *testing.T) {
	m, _ := newTestManager(nil)
	_, err := m.CreateAgent("chatgpt", "my-bot", map[string]wfmodel.Envelope{}, "owner-1")
	require.Error(t, err)

	id, err := m.CreateAgent("chatgpt", "my-bot", map[string]wfmodel.Envelope{
		"api_key": wfmodel.String("sk-test"),
	}, "owner-1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestCreateAgentAssignsCapabilitiesByType(t *testing.T) {
	m, _ := newTestManager(nil)
	id, err := m.CreateAgent("assistant", "a1", nil, "owner-1")
	require.NoError(t, err)
	agent, err := m.Get(id)
	require.NoError(t, err)
	assert.Contains(t, agent.Capabilities, "conversation")
	assert.Equal(t, wfmodel.AgentIdle, agent.Status)
}

func TestSendMessageHappyPathReturnsToIdle(t *testing.T) {
	m, sink := newTestManager(nil)
	id, err := m.CreateAgent("assistant", "a1", nil, "owner-1")
	require.NoError(t, err)

	result, err := m.SendMessage(context.Background(), id, "hello", nil)
	require.NoError(t, err)
	assert.Contains(t, result.Response, "hello")

	agent, _ := m.Get(id)
	assert.Equal(t, wfmodel.AgentIdle, agent.Status)

	records := sink.Query(audit.Filter{TargetID: id})
	assert.NotEmpty(t, records)
}

func TestSendMessageTransitionsToErrorOnFailure(t *testing.T) {
	m, _ := newTestManager(assertGenerateErr)
	id, err := m.CreateAgent("assistant", "a1", nil, "owner-1")
	require.NoError(t, err)

	_, err = m.SendMessage(context.Background(), id, "hello", nil)
	require.Error(t, err)

	agent, _ := m.Get(id)
	assert.Equal(t, wfmodel.AgentError, agent.Status)
}

var assertGenerateErr = &llm.ErrServerTransient{Status: 500}

func TestRecoverRequiresErrorState(t *testing.T) {
	m, _ := newTestManager(nil)
	id, err := m.CreateAgent("assistant", "a1", nil, "owner-1")
	require.NoError(t, err)

	require.Error(t, m.Recover(id))
}

func TestRecoverReturnsErroredAgentToIdle(t *testing.T) {
	m, _ := newTestManager(assertGenerateErr)
	id, err := m.CreateAgent("assistant", "a1", nil, "owner-1")
	require.NoError(t, err)

	_, err = m.SendMessage(context.Background(), id, "hello", nil)
	require.Error(t, err)
	agent, _ := m.Get(id)
	require.Equal(t, wfmodel.AgentError, agent.Status)

	require.NoError(t, m.Recover(id))
	agent, _ = m.Get(id)
	assert.Equal(t, wfmodel.AgentIdle, agent.Status)
}

func TestTerminateIsOfflineAndTerminal(t *testing.T) {
	m, _ := newTestManager(nil)
	id, err := m.CreateAgent("assistant", "a1", nil, "owner-1")
	require.NoError(t, err)

	require.NoError(t, m.Terminate(id))
	agent, _ := m.Get(id)
	assert.Equal(t, wfmodel.AgentOffline, agent.Status)

	_, err = m.SendMessage(context.Background(), id, "hello", nil)
	require.Error(t, err)
}

func TestRouteThroughChainPipesResponses(t *testing.T) {
	m, _ := newTestManager(nil)
	id1, _ := m.CreateAgent("assistant", "a1", nil, "owner-1")
	id2, _ := m.CreateAgent("assistant", "a2", nil, "owner-1")

	trace, err := m.RouteThroughChain(context.Background(), "wf-1", []string{id1, id2}, "start")
	require.NoError(t, err)
	require.Len(t, trace, 2)
	assert.Contains(t, trace[1].Response, trace[0].Response)
}
