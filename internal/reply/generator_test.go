package reply

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replydesk/backend/internal/apperr"
	"github.com/replydesk/backend/internal/llm"
	"github.com/replydesk/backend/internal/retriever"
	"github.com/replydesk/backend/internal/storage/models"
	"github.com/replydesk/backend/internal/storage/sqlite"
)

type stubCompleter struct {
	content    string
	err        error
	lastPrompt string
}

func (s *stubCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.lastPrompt = req.UserPrompt
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.content}, nil
}

type stubRetriever struct {
	results []retriever.Result
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string, k int, threshold float64) []retriever.Result {
	return s.results
}

func newGeneratorFixture(t *testing.T, completer *stubCompleter, ret *stubRetriever) (*Generator, *sqlite.Client, *models.Conversation) {
	t.Helper()

	ledger, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	require.NoError(t, ledger.InitSchema())

	account := &models.Account{ExternalAccountID: "acct-1", Active: true}
	require.NoError(t, ledger.InsertAccount(account))
	conv, err := ledger.UpsertConversation(account.ID, "ext-1", "", "", models.StatusActive)
	require.NoError(t, err)

	return NewGenerator(completer, ret, ledger, Config{AgentName: "Aide"}), ledger, conv
}

func TestGenerateWithContext(t *testing.T) {
	completer := &stubCompleter{content: "Refunds take 5 business days."}
	ret := &stubRetriever{results: []retriever.Result{
		{Content: "Refund policy: 5 business days.", Source: "article_import", SourceID: "a1", Similarity: 0.92},
	}}
	g, ledger, conv := newGeneratorFixture(t, completer, ret)

	msg, err := g.Generate(context.Background(), conv.ID, "How long do refunds take?", nil, true)
	require.NoError(t, err)

	assert.Equal(t, models.SenderLLM, msg.Sender)
	assert.Equal(t, "Aide", msg.SenderName)
	assert.Equal(t, "Refunds take 5 business days.", msg.Content)
	require.NotNil(t, msg.Confidence)
	assert.Equal(t, ConfidenceWithContext, *msg.Confidence)

	// The retrieved entry is frozen into the prompt and the snapshot.
	assert.Contains(t, completer.lastPrompt, "Refund policy: 5 business days.")
	require.Len(t, msg.RetrievedContext, 1)
	assert.Equal(t, "a1", msg.RetrievedContext[0].SourceID)

	stored, err := ledger.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, stored.Approval)
	assert.Nil(t, stored.DeliveredAt)
}

func TestGenerateWithoutContext(t *testing.T) {
	completer := &stubCompleter{content: "Could you tell me more?"}
	g, _, conv := newGeneratorFixture(t, completer, &stubRetriever{})

	msg, err := g.Generate(context.Background(), conv.ID, "hello", nil, true)
	require.NoError(t, err)

	require.NotNil(t, msg.Confidence)
	assert.Equal(t, ConfidenceWithoutContext, *msg.Confidence)
	assert.Empty(t, msg.RetrievedContext)
	assert.Contains(t, completer.lastPrompt, "No relevant knowledge base entries found.")
}

func TestGenerateSkipsRetrievalWhenDisabled(t *testing.T) {
	completer := &stubCompleter{content: "ok"}
	ret := &stubRetriever{results: []retriever.Result{{Content: "should not appear", Similarity: 0.9}}}
	g, _, conv := newGeneratorFixture(t, completer, ret)

	msg, err := g.Generate(context.Background(), conv.ID, "hello", nil, false)
	require.NoError(t, err)

	assert.NotContains(t, completer.lastPrompt, "should not appear")
	require.NotNil(t, msg.Confidence)
	assert.Equal(t, ConfidenceWithoutContext, *msg.Confidence)
}

func TestGenerateIncludesHistory(t *testing.T) {
	completer := &stubCompleter{content: "ok"}
	g, _, conv := newGeneratorFixture(t, completer, &stubRetriever{})

	history := []models.Message{
		{Sender: models.SenderClient, Content: "My order number is 123."},
		{Sender: models.SenderAgent, Content: "Thanks, checking."},
	}

	_, err := g.Generate(context.Background(), conv.ID, "Any news?", history, true)
	require.NoError(t, err)

	assert.Contains(t, completer.lastPrompt, "Customer: My order number is 123.")
	assert.Contains(t, completer.lastPrompt, "Agent: Thanks, checking.")
}

func TestGenerateCompletionFailure(t *testing.T) {
	completer := &stubCompleter{err: &apperr.GenerationError{Err: errors.New("model overloaded")}}
	g, ledger, conv := newGeneratorFixture(t, completer, &stubRetriever{})

	_, err := g.Generate(context.Background(), conv.ID, "hello", nil, true)
	require.Error(t, err)
	assert.True(t, apperr.IsGeneration(err))

	messages, listErr := ledger.ListMessages(conv.ID)
	require.NoError(t, listErr)
	assert.Empty(t, messages)
}
