package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/apperr"
	"github.com/replydesk/backend/internal/metrics"
	"github.com/replydesk/backend/internal/storage/models"
	"github.com/replydesk/backend/internal/storage/sqlite"
	"github.com/replydesk/backend/pkg/logger"
	"github.com/replydesk/backend/pkg/utils"
)

type Deliverer interface {
	Send(ctx context.Context, account *models.Account, externalConversationID, content string) (bool, string)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type KnowledgeStore interface {
	Insert(ctx context.Context, entries []models.KnowledgeEntry) error
	Exists(ctx context.Context, contentHash, sourceID string) (bool, error)
}

// Workflow implements the human review loop over drafted replies. Approval
// is the local source of truth: once the ledger records the decision the
// operation has succeeded, and downstream delivery or knowledge extraction
// problems are reported as warnings rather than errors.
type Workflow struct {
	ledger    *sqlite.Client
	deliverer Deliverer
	embedder  Embedder
	knowledge KnowledgeStore
}

func NewWorkflow(ledger *sqlite.Client, deliverer Deliverer, embedder Embedder, knowledge KnowledgeStore) *Workflow {
	return &Workflow{
		ledger:    ledger,
		deliverer: deliverer,
		embedder:  embedder,
		knowledge: knowledge,
	}
}

// Approve marks a drafted reply approved, delivers it to the provider, and
// optionally extracts the exchange into the knowledge base. The returned
// warning is non-empty when delivery or extraction failed after the approval
// itself was recorded.
func (w *Workflow) Approve(ctx context.Context, messageID string, extractToKnowledge bool) (*models.Message, string, error) {
	msg, err := w.ledger.GetMessage(messageID)
	if err != nil {
		return nil, "", &apperr.NotFoundError{Resource: "message", ID: messageID}
	}
	if msg.Sender != models.SenderLLM {
		return nil, "", &apperr.ValidationError{Reason: "only drafted replies can be approved"}
	}

	// Re-approving an already delivered reply is a no-op; the provider must
	// never receive the same reply twice.
	if msg.Approval == models.ApprovalApproved && msg.DeliveredAt != nil {
		return msg, "", nil
	}

	if msg.Approval != models.ApprovalApproved {
		if err := w.ledger.SetApproval(messageID, models.ApprovalApproved); err != nil {
			return nil, "", fmt.Errorf("failed to record approval: %w", err)
		}
		msg.Approval = models.ApprovalApproved
		metrics.Approvals.WithLabelValues("approve").Inc()
	}

	var warnings []string

	if msg.DeliveredAt == nil {
		if warning := w.deliver(ctx, msg); warning != "" {
			warnings = append(warnings, warning)
		}
	}

	if extractToKnowledge {
		if warning := w.extract(ctx, msg); warning != "" {
			warnings = append(warnings, warning)
		}
	}

	updated, err := w.ledger.GetMessage(messageID)
	if err == nil {
		msg = updated
	}

	return msg, strings.Join(warnings, "; "), nil
}

// Reject marks a drafted reply rejected. Rejected drafts stay in the ledger
// for the review UI but are never delivered.
func (w *Workflow) Reject(ctx context.Context, messageID string) (*models.Message, error) {
	msg, err := w.ledger.GetMessage(messageID)
	if err != nil {
		return nil, &apperr.NotFoundError{Resource: "message", ID: messageID}
	}
	if msg.Sender != models.SenderLLM {
		return nil, &apperr.ValidationError{Reason: "only drafted replies can be rejected"}
	}
	if msg.DeliveredAt != nil {
		return nil, &apperr.ValidationError{Reason: "message has already been delivered"}
	}

	if err := w.ledger.SetApproval(messageID, models.ApprovalRejected); err != nil {
		return nil, fmt.Errorf("failed to record rejection: %w", err)
	}
	msg.Approval = models.ApprovalRejected
	metrics.Approvals.WithLabelValues("reject").Inc()

	return msg, nil
}

// Edit replaces the content of a pending draft before the reviewer decides.
func (w *Workflow) Edit(ctx context.Context, messageID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &apperr.ValidationError{Reason: "content must not be empty"}
	}

	msg, err := w.ledger.GetMessage(messageID)
	if err != nil {
		return nil, &apperr.NotFoundError{Resource: "message", ID: messageID}
	}
	if msg.Sender != models.SenderLLM {
		return nil, &apperr.ValidationError{Reason: "only drafted replies can be edited"}
	}
	if msg.DeliveredAt != nil {
		return nil, &apperr.ValidationError{Reason: "message has already been delivered"}
	}

	if err := w.ledger.UpdateMessageContent(messageID, content); err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	metrics.Approvals.WithLabelValues("edit").Inc()

	return w.ledger.GetMessage(messageID)
}

// SendAgentMessage records a manually written agent reply and delivers it.
// Agent messages skip review entirely.
func (w *Workflow) SendAgentMessage(ctx context.Context, conversationID, content, agentName string) (*models.Message, string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, "", &apperr.ValidationError{Reason: "content must not be empty"}
	}

	conv, err := w.ledger.GetConversation(conversationID)
	if err != nil {
		return nil, "", &apperr.NotFoundError{Resource: "conversation", ID: conversationID}
	}

	msg := &models.Message{
		ConversationID: conversationID,
		Content:        content,
		Sender:         models.SenderAgent,
		SenderName:     agentName,
		CreatedAt:      time.Now(),
	}
	if _, err := w.ledger.InsertMessage(msg); err != nil {
		return nil, "", fmt.Errorf("failed to insert agent message: %w", err)
	}

	warning := w.deliverTo(ctx, msg, conv)

	return msg, warning, nil
}

func (w *Workflow) deliver(ctx context.Context, msg *models.Message) string {
	conv, err := w.ledger.GetConversation(msg.ConversationID)
	if err != nil {
		return fmt.Sprintf("delivery skipped: conversation lookup failed: %v", err)
	}
	return w.deliverTo(ctx, msg, conv)
}

func (w *Workflow) deliverTo(ctx context.Context, msg *models.Message, conv *models.Conversation) string {
	account, err := w.ledger.GetAccount(conv.AccountID)
	if err != nil {
		return fmt.Sprintf("delivery skipped: account lookup failed: %v", err)
	}

	ok, warning := w.deliverer.Send(ctx, account, conv.ExternalID, msg.Content)
	if !ok {
		logger.Warn("Message delivery failed",
			zap.String("message_id", msg.ID),
			zap.String("conversation_id", conv.ID),
			zap.String("warning", warning),
		)
		return warning
	}

	now := time.Now()
	if err := w.ledger.MarkDelivered(msg.ID, now); err != nil {
		return fmt.Sprintf("delivered but failed to record delivery: %v", err)
	}
	msg.DeliveredAt = &now

	return ""
}

// extract turns the approved reply and the client message that prompted it
// into a question/answer knowledge entry. Extraction is best effort and
// deduplicated on content hash per conversation, so approving two drafts
// that produce the same Q/A pair stores it once.
func (w *Workflow) extract(ctx context.Context, msg *models.Message) string {
	question, err := w.ledger.PrecedingClientMessage(msg.ConversationID, msg.Seq)
	if err != nil {
		return "knowledge extraction skipped: no preceding client message"
	}

	content := fmt.Sprintf("Q: %s\nA: %s", question.Content, msg.Content)
	contentHash := utils.HashString(content)

	exists, err := w.knowledge.Exists(ctx, contentHash, msg.ConversationID)
	if err != nil {
		return fmt.Sprintf("knowledge extraction skipped: dedup check failed: %v", err)
	}
	if exists {
		return ""
	}

	embedding, err := w.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Sprintf("knowledge extraction skipped: %v", err)
	}

	entry := models.KnowledgeEntry{
		ID:          uuid.New().String(),
		Content:     content,
		Source:      models.KnowledgeSourceApprovedResponse,
		SourceID:    msg.ConversationID,
		ContentHash: contentHash,
		Embedding:   embedding,
		Metadata:    map[string]string{"message_id": msg.ID},
		CreatedAt:   time.Now(),
	}
	if err := w.knowledge.Insert(ctx, []models.KnowledgeEntry{entry}); err != nil {
		return fmt.Sprintf("knowledge extraction failed: %v", err)
	}
	metrics.KnowledgeEntriesAdded.WithLabelValues(models.KnowledgeSourceApprovedResponse).Inc()

	return ""
}
