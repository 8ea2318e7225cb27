package validation

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type Config struct {
	MaxContentLength    int
	MaxBodySize         int
	AllowedContentTypes []string
}

// Middleware gates dashboard write requests: JSON content type, bounded body
// size, and a bounded "content" field where one is expected. Webhook ingestion
// is not routed through here; its payloads are validated during normalization.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxContentLength == 0 {
		cfg.MaxContentLength = 10000
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 2 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		if len(c.Body()) == 0 {
			return c.Next()
		}

		contentType := c.Get("Content-Type")
		if contentType != "" && !typeAllowed(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		if len(c.Body()) > cfg.MaxBodySize {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": "Request body exceeds maximum size",
			})
		}

		if expectsContentField(c.Path(), c.Method()) {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			if content, ok := req["content"].(string); ok {
				if len(content) > cfg.MaxContentLength {
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "Content exceeds maximum length",
					})
				}
			}
		}

		return c.Next()
	}
}

func typeAllowed(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

// expectsContentField reports whether the route carries a free-text content
// field that needs a length bound.
func expectsContentField(path, method string) bool {
	switch {
	case method == fiber.MethodPut && strings.Contains(path, "/messages/"):
		return true
	case method == fiber.MethodPost && strings.HasSuffix(path, "/messages"):
		return true
	case method == fiber.MethodPost && strings.Contains(path, "/knowledge/entries"):
		return true
	default:
		return false
	}
}
