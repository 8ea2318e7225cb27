package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/apperr"
	"github.com/replydesk/backend/internal/knowledge"
	"github.com/replydesk/backend/internal/storage/sqlite"
	"github.com/replydesk/backend/pkg/logger"
)

type KnowledgeHandler struct {
	ledger   *sqlite.Client
	importer *knowledge.Importer
}

func NewKnowledgeHandler(ledger *sqlite.Client, importer *knowledge.Importer) *KnowledgeHandler {
	return &KnowledgeHandler{
		ledger:   ledger,
		importer: importer,
	}
}

func (h *KnowledgeHandler) AddEntry(c *fiber.Ctx) error {
	var req struct {
		Content  string            `json:"content"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	entry, err := h.importer.AddManualEntry(c.Context(), req.Content, req.Metadata)
	if err != nil {
		if apperr.IsValidation(err) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		logger.Error("Failed to add knowledge entry", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to add knowledge entry",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":      entry.ID,
		"source":  entry.Source,
		"content": entry.Content,
	})
}

func (h *KnowledgeHandler) ImportArticles(c *fiber.Ctx) error {
	var req struct {
		Articles []knowledge.Article `json:"articles"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if len(req.Articles) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "articles is required",
		})
	}

	result, err := h.importer.ImportArticles(c.Context(), req.Articles)
	if err != nil {
		logger.Error("Article import failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Article import failed",
		})
	}

	return c.JSON(result)
}

func (h *KnowledgeHandler) ImportConversation(c *fiber.Ctx) error {
	conversationID := c.Params("id")

	conv, err := h.ledger.GetConversation(conversationID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}

	messages, err := h.ledger.ListMessages(conv.ID)
	if err != nil {
		logger.Error("Failed to load conversation messages", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load conversation",
		})
	}

	result, err := h.importer.ImportConversation(c.Context(), conv.ID, messages)
	if err != nil {
		logger.Error("Conversation import failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Conversation import failed",
		})
	}

	return c.JSON(result)
}
