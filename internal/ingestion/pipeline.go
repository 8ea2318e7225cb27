package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/metrics"
	"github.com/replydesk/backend/internal/storage/models"
	"github.com/replydesk/backend/internal/storage/sqlite"
	"github.com/replydesk/backend/pkg/logger"
)

type ReplyGenerator interface {
	Generate(ctx context.Context, conversationID, userMessage string, history []models.Message, useRetrieval bool) (*models.Message, error)
}

type Config struct {
	HistoryLimit      int
	GenerationTimeout time.Duration
}

// Pipeline turns normalized webhook events into ledger writes and draft
// replies. Reply generation is spawned per client message so the webhook
// acknowledgement never waits on the LLM; generation failures are logged and
// isolated from ingestion.
type Pipeline struct {
	ledger    *sqlite.Client
	generator ReplyGenerator
	cfg       Config

	wg sync.WaitGroup
}

type Summary struct {
	ConversationID string
	Ingested       int
	Skipped        int
}

func NewPipeline(ledger *sqlite.Client, generator ReplyGenerator, cfg Config) *Pipeline {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}

	return &Pipeline{
		ledger:    ledger,
		generator: generator,
		cfg:       cfg,
	}
}

func (p *Pipeline) Process(ctx context.Context, accountID string, event *Event) (*Summary, error) {
	conv, err := p.ledger.UpsertConversation(
		accountID,
		event.ExternalConversationID,
		event.ClientName,
		event.ClientEmail,
		event.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	summary := &Summary{ConversationID: conv.ID}
	var lastTimestamp time.Time

	for _, em := range event.Messages {
		lastTimestamp = em.CreatedAt

		exists, err := p.ledger.MessageExistsByExternalID(em.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("failed to check message %q: %w", em.ExternalID, err)
		}
		if exists {
			summary.Skipped++
			metrics.DuplicateMessages.Inc()
			continue
		}

		var history []models.Message
		if em.Sender == models.SenderClient {
			history, err = p.ledger.RecentMessages(conv.ID, p.cfg.HistoryLimit)
			if err != nil {
				logger.Warn("Failed to load conversation history", zap.Error(err))
				history = nil
			}
		}

		msg := &models.Message{
			ConversationID: conv.ID,
			ExternalID:     em.ExternalID,
			Content:        em.Text,
			Sender:         em.Sender,
			SenderName:     event.ClientName,
			CreatedAt:      em.CreatedAt,
		}
		if em.Sender != models.SenderClient {
			msg.SenderName = ""
		}

		inserted, err := p.ledger.InsertMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to insert message %q: %w", em.ExternalID, err)
		}
		if !inserted {
			summary.Skipped++
			metrics.DuplicateMessages.Inc()
			continue
		}

		summary.Ingested++
		metrics.MessagesIngested.WithLabelValues(string(em.Sender)).Inc()

		if em.Sender == models.SenderClient && strings.TrimSpace(em.Text) != "" {
			p.spawnGeneration(conv.ID, em.Text, history)
		}
	}

	// The activity watermark moves even when every message was a duplicate,
	// so polling consumers still observe the redelivery.
	if len(event.Messages) > 0 {
		if err := p.ledger.TouchConversation(conv.ID, lastTimestamp); err != nil {
			logger.Warn("Failed to update conversation activity", zap.Error(err))
		}
	}

	logger.Info("Webhook event processed",
		zap.String("conversation_id", conv.ID),
		zap.String("external_id", event.ExternalConversationID),
		zap.Int("ingested", summary.Ingested),
		zap.Int("skipped", summary.Skipped),
	)

	return summary, nil
}

func (p *Pipeline) spawnGeneration(conversationID, userMessage string, history []models.Message) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.GenerationTimeout)
		defer cancel()

		start := time.Now()
		_, err := p.generator.Generate(ctx, conversationID, userMessage, history, true)
		metrics.GenerationDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			logger.Error("Draft reply generation failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until all spawned reply generations have finished. Used by
// graceful shutdown and by tests.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
