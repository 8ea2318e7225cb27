package knowledge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replydesk/backend/internal/apperr"
	"github.com/replydesk/backend/internal/storage/models"
)

type stubEmbedder struct {
	batchCalls int
	err        error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.1}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.batchCalls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1}
	}
	return out, nil
}

type memoryStore struct {
	entries []models.KnowledgeEntry
}

func (m *memoryStore) Insert(ctx context.Context, entries []models.KnowledgeEntry) error {
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memoryStore) Exists(ctx context.Context, contentHash, sourceID string) (bool, error) {
	for _, e := range m.entries {
		if e.ContentHash == contentHash && e.SourceID == sourceID {
			return true, nil
		}
	}
	return false, nil
}

func TestImportArticlesStripsHTML(t *testing.T) {
	store := &memoryStore{}
	imp := NewImporter(&stubEmbedder{}, store)

	result, err := imp.ImportArticles(context.Background(), []Article{
		{
			ID:    "a1",
			Title: "Refund policy",
			Body:  `<h1>Refunds</h1><p>Refunds take <strong>5 days</strong>.</p><script>alert(1)</script>`,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	assert.Equal(t, models.KnowledgeSourceArticleImport, entry.Source)
	assert.Equal(t, "a1", entry.SourceID)
	assert.Contains(t, entry.Content, "Refund policy")
	assert.Contains(t, entry.Content, "Refunds take 5 days.")
	assert.NotContains(t, entry.Content, "<p>")
	assert.NotContains(t, entry.Content, "alert(1)")
	assert.NotEmpty(t, entry.Embedding)
	assert.Equal(t, "Refund policy", entry.Metadata["title"])
}

func TestImportArticlesSkipsDuplicatesAndEmpties(t *testing.T) {
	store := &memoryStore{}
	embedder := &stubEmbedder{}
	imp := NewImporter(embedder, store)

	articles := []Article{
		{ID: "a1", Title: "Shipping", Body: "<p>Ships in 2 days.</p>"},
		{ID: "a2", Body: "   "},
	}

	first, err := imp.ImportArticles(context.Background(), articles)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Imported)
	assert.Equal(t, 1, first.Skipped)

	second, err := imp.ImportArticles(context.Background(), articles)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Imported)
	assert.Equal(t, 2, second.Skipped)

	assert.Len(t, store.entries, 1)
	// The duplicate run never re-embeds.
	assert.Equal(t, 1, embedder.batchCalls)
}

func TestImportArticlesEmbeddingFailure(t *testing.T) {
	imp := NewImporter(&stubEmbedder{err: errors.New("provider down")}, &memoryStore{})

	_, err := imp.ImportArticles(context.Background(), []Article{
		{ID: "a1", Body: "content"},
	})
	assert.Error(t, err)
}

func TestImportConversationPairsQA(t *testing.T) {
	store := &memoryStore{}
	imp := NewImporter(&stubEmbedder{}, store)

	messages := []models.Message{
		{Sender: models.SenderClient, Content: "How do I reset my password?"},
		{Sender: models.SenderAgent, Content: "Use the forgot-password link."},
		{Sender: models.SenderClient, Content: "Is there a mobile app?"},
		// Unanswered question: no pair.
		{Sender: models.SenderClient, Content: "Hello?"},
	}

	result, err := imp.ImportConversation(context.Background(), "conv-1", messages)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)

	require.Len(t, store.entries, 1)
	assert.Equal(t, "Q: How do I reset my password?\nA: Use the forgot-password link.", store.entries[0].Content)
	assert.Equal(t, models.KnowledgeSourceConversationImport, store.entries[0].Source)
	assert.Equal(t, "conv-1", store.entries[0].SourceID)
}

func TestImportConversationLatestQuestionWins(t *testing.T) {
	store := &memoryStore{}
	imp := NewImporter(&stubEmbedder{}, store)

	messages := []models.Message{
		{Sender: models.SenderClient, Content: "first"},
		{Sender: models.SenderClient, Content: "second"},
		{Sender: models.SenderAgent, Content: "answer"},
	}

	result, err := imp.ImportConversation(context.Background(), "conv-1", messages)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, "Q: second\nA: answer", store.entries[0].Content)
}

func TestImportConversationIdempotent(t *testing.T) {
	store := &memoryStore{}
	imp := NewImporter(&stubEmbedder{}, store)

	messages := []models.Message{
		{Sender: models.SenderClient, Content: "q"},
		{Sender: models.SenderAgent, Content: "a"},
	}

	_, err := imp.ImportConversation(context.Background(), "conv-1", messages)
	require.NoError(t, err)
	second, err := imp.ImportConversation(context.Background(), "conv-1", messages)
	require.NoError(t, err)

	assert.Equal(t, 0, second.Imported)
	assert.Equal(t, 1, second.Skipped)
	assert.Len(t, store.entries, 1)
}

func TestAddManualEntry(t *testing.T) {
	store := &memoryStore{}
	imp := NewImporter(&stubEmbedder{}, store)

	entry, err := imp.AddManualEntry(context.Background(), "  Support hours are 9 to 5 UTC.  ", map[string]string{"author": "sam"})
	require.NoError(t, err)
	assert.Equal(t, "Support hours are 9 to 5 UTC.", entry.Content)
	assert.Equal(t, models.KnowledgeSourceManual, entry.Source)
	assert.Equal(t, "sam", entry.Metadata["author"])
	assert.NotEmpty(t, entry.Embedding)
	assert.Len(t, store.entries, 1)

	_, err = imp.AddManualEntry(context.Background(), "Support hours are 9 to 5 UTC.", nil)
	assert.True(t, apperr.IsValidation(err))

	_, err = imp.AddManualEntry(context.Background(), "   ", nil)
	assert.True(t, apperr.IsValidation(err))
}
