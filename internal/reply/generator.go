package reply

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/llm"
	"github.com/replydesk/backend/internal/metrics"
	"github.com/replydesk/backend/internal/prompt"
	"github.com/replydesk/backend/internal/retriever"
	"github.com/replydesk/backend/internal/storage/models"
	"github.com/replydesk/backend/internal/storage/sqlite"
	"github.com/replydesk/backend/pkg/logger"
)

// Placeholder confidence levels distinguishing grounded from ungrounded
// drafts. The approval UI consumes the [0,1] range; a calibrated score can
// replace these without changing the field.
const (
	ConfidenceWithContext    = 0.8
	ConfidenceWithoutContext = 0.6
)

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, k int, threshold float64) []retriever.Result
}

type Config struct {
	TopK                int
	SimilarityThreshold float64
	AgentName           string
}

// Generator drafts pending replies: retrieve, compose, complete, persist.
type Generator struct {
	completer Completer
	retriever ContextRetriever
	ledger    *sqlite.Client
	cfg       Config
}

func NewGenerator(completer Completer, ret ContextRetriever, ledger *sqlite.Client, cfg Config) *Generator {
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.7
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "Support Assistant"
	}

	return &Generator{
		completer: completer,
		retriever: ret,
		ledger:    ledger,
		cfg:       cfg,
	}
}

// Generate produces a pending llm message for the conversation. Retrieval
// failures degrade to an empty context; completion failures propagate as
// *apperr.GenerationError for the caller to log.
func (g *Generator) Generate(ctx context.Context, conversationID, userMessage string, history []models.Message, useRetrieval bool) (*models.Message, error) {
	var contexts []retriever.Result
	if useRetrieval {
		contexts = g.retriever.Retrieve(ctx, userMessage, g.cfg.TopK, g.cfg.SimilarityThreshold)
	}
	metrics.RetrievalResults.Observe(float64(len(contexts)))

	composed := prompt.Compose(userMessage, history, contexts)

	resp, err := g.completer.Complete(ctx, llm.CompletionRequest{UserPrompt: composed})
	if err != nil {
		metrics.RepliesGenerated.WithLabelValues("error").Inc()
		return nil, err
	}

	confidence := ConfidenceWithoutContext
	if len(contexts) > 0 {
		confidence = ConfidenceWithContext
	}

	snapshot := make([]models.ContextSnippet, 0, len(contexts))
	for _, c := range contexts {
		snapshot = append(snapshot, models.ContextSnippet{
			Content:    c.Content,
			Source:     c.Source,
			SourceID:   c.SourceID,
			Similarity: c.Similarity,
		})
	}

	msg := &models.Message{
		ConversationID:   conversationID,
		Content:          resp.Content,
		Sender:           models.SenderLLM,
		SenderName:       g.cfg.AgentName,
		RetrievedContext: snapshot,
		Confidence:       &confidence,
		Approval:         models.ApprovalPending,
	}

	if _, err := g.ledger.InsertMessage(msg); err != nil {
		metrics.RepliesGenerated.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to persist draft reply: %w", err)
	}

	metrics.RepliesGenerated.WithLabelValues("ok").Inc()
	logger.Info("Draft reply generated",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", msg.ID),
		zap.Float64("confidence", confidence),
		zap.Int("context_entries", len(snapshot)),
	)

	return msg, nil
}
