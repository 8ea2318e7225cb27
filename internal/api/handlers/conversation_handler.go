package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/apperr"
	"github.com/replydesk/backend/internal/approval"
	"github.com/replydesk/backend/internal/storage/sqlite"
	"github.com/replydesk/backend/pkg/logger"
)

type ConversationHandler struct {
	ledger    *sqlite.Client
	workflow  *approval.Workflow
	agentName string
}

func NewConversationHandler(ledger *sqlite.Client, workflow *approval.Workflow, agentName string) *ConversationHandler {
	return &ConversationHandler{
		ledger:    ledger,
		workflow:  workflow,
		agentName: agentName,
	}
}

func (h *ConversationHandler) ListConversations(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	conversations, err := h.ledger.ListConversations(limit)
	if err != nil {
		logger.Error("Failed to list conversations", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list conversations",
		})
	}

	views := make([]conversationView, len(conversations))
	for i := range conversations {
		views[i] = viewConversation(&conversations[i])
	}

	return c.JSON(fiber.Map{
		"conversations": views,
	})
}

func (h *ConversationHandler) GetMessages(c *fiber.Ctx) error {
	conversationID := c.Params("id")

	conv, err := h.ledger.GetConversation(conversationID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}

	messages, err := h.ledger.ListMessages(conv.ID)
	if err != nil {
		logger.Error("Failed to list messages", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list messages",
		})
	}

	return c.JSON(fiber.Map{
		"conversation": viewConversation(conv),
		"messages":     viewMessages(messages),
	})
}

func (h *ConversationHandler) ApproveMessage(c *fiber.Ctx) error {
	messageID := c.Params("messageId")

	var req struct {
		ExtractToKnowledge bool `json:"extract_to_knowledge"`
	}
	// An empty body means approve without extraction.
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	msg, warning, err := h.workflow.Approve(c.Context(), messageID, req.ExtractToKnowledge)
	if err != nil {
		return h.reviewError(c, err, "Failed to approve message")
	}

	resp := fiber.Map{
		"status":  msg.Approval.String(),
		"message": viewMessage(msg),
	}
	if warning != "" {
		resp["warning"] = warning
	}
	return c.JSON(resp)
}

func (h *ConversationHandler) RejectMessage(c *fiber.Ctx) error {
	messageID := c.Params("messageId")

	msg, err := h.workflow.Reject(c.Context(), messageID)
	if err != nil {
		return h.reviewError(c, err, "Failed to reject message")
	}

	return c.JSON(fiber.Map{
		"status":  msg.Approval.String(),
		"message": viewMessage(msg),
	})
}

func (h *ConversationHandler) EditMessage(c *fiber.Ctx) error {
	messageID := c.Params("messageId")

	var req struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	msg, err := h.workflow.Edit(c.Context(), messageID, req.Content)
	if err != nil {
		return h.reviewError(c, err, "Failed to edit message")
	}

	return c.JSON(fiber.Map{"message": viewMessage(msg)})
}

func (h *ConversationHandler) SendAgentMessage(c *fiber.Ctx) error {
	conversationID := c.Params("id")

	var req struct {
		Content   string `json:"content"`
		AgentName string `json:"agent_name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	agentName := req.AgentName
	if agentName == "" {
		agentName = h.agentName
	}

	msg, warning, err := h.workflow.SendAgentMessage(c.Context(), conversationID, req.Content, agentName)
	if err != nil {
		return h.reviewError(c, err, "Failed to send message")
	}

	resp := fiber.Map{"message": viewMessage(msg)}
	if warning != "" {
		resp["warning"] = warning
	}
	return c.JSON(resp)
}

func (h *ConversationHandler) reviewError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case apperr.IsNotFound(err):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	case apperr.IsValidation(err):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	default:
		logger.Error(fallback, zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fallback,
		})
	}
}
