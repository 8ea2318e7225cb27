package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/storage/models"
	"github.com/replydesk/backend/internal/storage/sqlite"
	"github.com/replydesk/backend/pkg/logger"
)

const (
	pollInterval      = 2 * time.Second
	keepaliveInterval = 30 * time.Second
)

// StreamHandler pushes new ledger messages for one conversation to dashboard
// clients over SSE or websocket. Both transports share the same sequence
// watermark poll, so a client can resume from the last seq it saw.
type StreamHandler struct {
	ledger *sqlite.Client
	done   chan struct{}
}

func NewStreamHandler(ledger *sqlite.Client) *StreamHandler {
	return &StreamHandler{
		ledger: ledger,
		done:   make(chan struct{}),
	}
}

// Close releases all open stream loops so server shutdown does not wait on
// idle connections.
func (h *StreamHandler) Close() {
	close(h.done)
}

func (h *StreamHandler) HandleSSE(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	afterSeq := int64(c.QueryInt("after", 0))

	if _, err := h.ledger.GetConversation(conversationID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		writeEvent := func(event string, payload interface{}) error {
			data, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
				return err
			}
			return w.Flush()
		}

		if err := writeEvent("connected", fiber.Map{"conversation_id": conversationID}); err != nil {
			return
		}

		poll := time.NewTicker(pollInterval)
		defer poll.Stop()
		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-poll.C:
				messages, err := h.ledger.MessagesSince(conversationID, afterSeq)
				if err != nil {
					logger.Warn("Stream poll failed", zap.Error(err))
					continue
				}
				for i := range messages {
					if err := writeEvent("message", viewMessage(&messages[i])); err != nil {
						return
					}
					afterSeq = messages[i].Seq
				}
			case <-keepalive.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))

	return nil
}

func (h *StreamHandler) HandleWebSocket(c *websocket.Conn) {
	conversationID := c.Params("id")
	afterSeq := parseAfterSeq(c.Query("after"))

	logger.Info("Stream connection established", zap.String("conversation_id", conversationID))

	defer func() {
		c.Close()
		logger.Info("Stream connection closed", zap.String("conversation_id", conversationID))
	}()

	if _, err := h.ledger.GetConversation(conversationID); err != nil {
		c.WriteJSON(fiber.Map{"type": "error", "error": "Conversation not found"})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The read loop only exists to observe client disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := c.WriteJSON(fiber.Map{"type": "connected", "conversation_id": conversationID}); err != nil {
		return
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ctx.Done():
			return
		case <-poll.C:
			messages, err := h.ledger.MessagesSince(conversationID, afterSeq)
			if err != nil {
				logger.Warn("Stream poll failed", zap.Error(err))
				continue
			}
			if err := h.sendMessages(c, messages, &afterSeq); err != nil {
				return
			}
		case <-keepalive.C:
			if err := c.WriteJSON(fiber.Map{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) sendMessages(c *websocket.Conn, messages []models.Message, afterSeq *int64) error {
	for i := range messages {
		err := c.WriteJSON(fiber.Map{
			"type":    "message",
			"message": viewMessage(&messages[i]),
		})
		if err != nil {
			return err
		}
		*afterSeq = messages[i].Seq
	}
	return nil
}

func parseAfterSeq(raw string) int64 {
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
