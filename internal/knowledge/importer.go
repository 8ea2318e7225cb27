package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/apperr"
	"github.com/replydesk/backend/internal/metrics"
	"github.com/replydesk/backend/internal/storage/models"
	"github.com/replydesk/backend/pkg/logger"
	"github.com/replydesk/backend/pkg/utils"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type KnowledgeStore interface {
	Insert(ctx context.Context, entries []models.KnowledgeEntry) error
	Exists(ctx context.Context, contentHash, sourceID string) (bool, error)
}

// Importer bulk-loads knowledge entries from help-center articles, past
// conversations, and manual input. Every path deduplicates on content hash
// per source before embedding, so re-running an import is cheap and
// idempotent.
type Importer struct {
	embedder Embedder
	store    KnowledgeStore
}

func NewImporter(embedder Embedder, store KnowledgeStore) *Importer {
	return &Importer{embedder: embedder, store: store}
}

type Article struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// ImportArticles ingests help-center articles. Bodies may contain HTML; the
// markup is stripped and the title is prepended so retrieval can match on it.
func (i *Importer) ImportArticles(ctx context.Context, articles []Article) (*ImportResult, error) {
	result := &ImportResult{}
	var pending []models.KnowledgeEntry
	var texts []string

	for _, article := range articles {
		body := stripHTML(article.Body)
		if body == "" {
			result.Skipped++
			continue
		}

		title := strings.TrimSpace(article.Title)
		content := body
		var metadata map[string]string
		if title != "" {
			content = title + "\n\n" + body
			metadata = map[string]string{"title": title}
		}

		sourceID := article.ID
		if sourceID == "" {
			sourceID = uuid.New().String()
		}

		contentHash := utils.HashString(content)
		exists, err := i.store.Exists(ctx, contentHash, sourceID)
		if err != nil {
			return nil, fmt.Errorf("failed to check article %q: %w", sourceID, err)
		}
		if exists {
			result.Skipped++
			continue
		}

		pending = append(pending, models.KnowledgeEntry{
			ID:          uuid.New().String(),
			Content:     content,
			Source:      models.KnowledgeSourceArticleImport,
			SourceID:    sourceID,
			ContentHash: contentHash,
			Metadata:    metadata,
			CreatedAt:   time.Now(),
		})
		texts = append(texts, content)
	}

	if err := i.embedAndInsert(ctx, pending, texts, models.KnowledgeSourceArticleImport); err != nil {
		return nil, err
	}
	result.Imported = len(pending)

	logger.Info("Article import finished",
		zap.Int("imported", result.Imported),
		zap.Int("skipped", result.Skipped),
	)

	return result, nil
}

// ImportConversation extracts question/answer pairs from a resolved
// conversation transcript. Each client message is paired with the next agent
// reply; unanswered client messages are skipped.
func (i *Importer) ImportConversation(ctx context.Context, conversationID string, messages []models.Message) (*ImportResult, error) {
	result := &ImportResult{}
	var pending []models.KnowledgeEntry
	var texts []string

	var question *models.Message
	for idx := range messages {
		msg := &messages[idx]
		switch msg.Sender {
		case models.SenderClient:
			question = msg
		case models.SenderAgent, models.SenderLLM:
			if question == nil || strings.TrimSpace(msg.Content) == "" {
				continue
			}
			content := fmt.Sprintf("Q: %s\nA: %s", question.Content, msg.Content)
			question = nil

			contentHash := utils.HashString(content)
			exists, err := i.store.Exists(ctx, contentHash, conversationID)
			if err != nil {
				return nil, fmt.Errorf("failed to check conversation pair: %w", err)
			}
			if exists {
				result.Skipped++
				continue
			}

			pending = append(pending, models.KnowledgeEntry{
				ID:          uuid.New().String(),
				Content:     content,
				Source:      models.KnowledgeSourceConversationImport,
				SourceID:    conversationID,
				ContentHash: contentHash,
				CreatedAt:   time.Now(),
			})
			texts = append(texts, content)
		}
	}

	if err := i.embedAndInsert(ctx, pending, texts, models.KnowledgeSourceConversationImport); err != nil {
		return nil, err
	}
	result.Imported = len(pending)

	return result, nil
}

// AddManualEntry inserts a single operator-written knowledge entry. Metadata
// is free-form and stored alongside the entry for operator bookkeeping.
func (i *Importer) AddManualEntry(ctx context.Context, content string, metadata map[string]string) (*models.KnowledgeEntry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &apperr.ValidationError{Reason: "content must not be empty"}
	}

	entry := models.KnowledgeEntry{
		ID:          uuid.New().String(),
		Content:     content,
		Source:      models.KnowledgeSourceManual,
		SourceID:    "",
		ContentHash: utils.HashString(content),
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}

	exists, err := i.store.Exists(ctx, entry.ContentHash, entry.SourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check entry: %w", err)
	}
	if exists {
		return nil, &apperr.ValidationError{Reason: "an identical entry already exists"}
	}

	embedding, err := i.embedder.Embed(ctx, content)
	if err != nil {
		return nil, err
	}
	entry.Embedding = embedding

	if err := i.store.Insert(ctx, []models.KnowledgeEntry{entry}); err != nil {
		return nil, fmt.Errorf("failed to insert entry: %w", err)
	}
	metrics.KnowledgeEntriesAdded.WithLabelValues(models.KnowledgeSourceManual).Inc()

	return &entry, nil
}

func (i *Importer) embedAndInsert(ctx context.Context, pending []models.KnowledgeEntry, texts []string, source string) error {
	if len(pending) == 0 {
		return nil
	}

	embeddings, err := i.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if len(embeddings) != len(pending) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(embeddings), len(pending))
	}
	for idx := range pending {
		pending[idx].Embedding = embeddings[idx]
	}

	if err := i.store.Insert(ctx, pending); err != nil {
		return fmt.Errorf("failed to insert entries: %w", err)
	}
	metrics.KnowledgeEntriesAdded.WithLabelValues(source).Add(float64(len(pending)))

	return nil
}

func stripHTML(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}
	doc.Find("script, style").Remove()

	text := doc.Text()
	lines := strings.Split(text, "\n")
	var cleaned []string
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			cleaned = append(cleaned, line)
		}
	}

	return strings.Join(cleaned, "\n")
}
