package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/apperr"
	"github.com/replydesk/backend/internal/ingestion"
	"github.com/replydesk/backend/internal/metrics"
	"github.com/replydesk/backend/internal/storage/models"
	"github.com/replydesk/backend/internal/storage/sqlite"
	"github.com/replydesk/backend/internal/webhook"
	"github.com/replydesk/backend/pkg/logger"
)

type WebhookHandler struct {
	ledger          *sqlite.Client
	pipeline        *ingestion.Pipeline
	strictSignature bool
}

func NewWebhookHandler(ledger *sqlite.Client, pipeline *ingestion.Pipeline, strictSignature bool) *WebhookHandler {
	return &WebhookHandler{
		ledger:          ledger,
		pipeline:        pipeline,
		strictSignature: strictSignature,
	}
}

// HandleChatEvent ingests one provider webhook request. The raw body is used
// for signature verification before any parsing happens.
func (h *WebhookHandler) HandleChatEvent(c *fiber.Ctx) error {
	body := c.Body()
	signature := webhook.ExtractSignature(func(name string) string { return c.Get(name) })

	account, err := h.resolveAccount(body, signature)
	if err != nil {
		if apperr.IsNotFound(err) {
			metrics.WebhookEvents.WithLabelValues("no_account").Inc()
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "No account configured for this webhook",
			})
		}
		metrics.WebhookEvents.WithLabelValues("unauthorized").Inc()
		logger.Warn("Webhook signature rejected", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid webhook signature",
		})
	}

	event, err := ingestion.Normalize(body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		logger.Warn("Webhook payload rejected", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	summary, err := h.pipeline.Process(c.Context(), account.ID, event)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("error").Inc()
		logger.Error("Webhook processing failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process event",
		})
	}

	metrics.WebhookEvents.WithLabelValues("ok").Inc()

	return c.JSON(fiber.Map{
		"status":          "ok",
		"conversation_id": summary.ConversationID,
		"messages":        summary.Ingested,
		"skipped":         summary.Skipped,
	})
}

// resolveAccount picks the account this webhook belongs to. When a signature
// is present, the account whose secret verifies it wins. Strict mode rejects
// any request that fails verification; lenient mode logs the mismatch and
// falls back to the first active account.
func (h *WebhookHandler) resolveAccount(body []byte, signature string) (*models.Account, error) {
	accounts, err := h.ledger.ListActiveAccounts()
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, &apperr.NotFoundError{Resource: "account", ID: "active"}
	}

	if signature != "" {
		for i := range accounts {
			if accounts[i].WebhookSecret == "" {
				continue
			}
			if webhook.VerifySignature(body, signature, accounts[i].WebhookSecret) {
				return &accounts[i], nil
			}
		}
		if h.strictSignature {
			return nil, &apperr.ValidationError{Reason: "signature did not match any account"}
		}
		logger.Warn("Webhook signature did not match any account, accepting anyway",
			zap.Int("accounts", len(accounts)))
		return &accounts[0], nil
	}

	if h.strictSignature {
		return nil, &apperr.ValidationError{Reason: "signature required"}
	}

	return &accounts[0], nil
}
