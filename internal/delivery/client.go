package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/metrics"
	"github.com/replydesk/backend/internal/storage/models"
	"github.com/replydesk/backend/pkg/logger"
)

const defaultTimeout = 15 * time.Second

// Client posts approved replies back to the chat provider. Send never
// returns an error: the approval that triggered it must succeed locally even
// when the provider is down, so failures surface as a warning string instead.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type outboundMessage struct {
	Content   string `json:"content"`
	AgentName string `json:"agent_name,omitempty"`
}

// Send delivers content to the provider conversation identified by
// externalConversationID. It authenticates with the account's token pair
// first and falls back to Basic auth exactly once when the provider rejects
// the tokens. Returns whether delivery succeeded and a human-readable warning
// when it did not.
func (c *Client) Send(ctx context.Context, account *models.Account, externalConversationID, content string) (bool, string) {
	body, err := json.Marshal(outboundMessage{
		Content:   content,
		AgentName: account.AgentName,
	})
	if err != nil {
		return false, fmt.Sprintf("failed to encode message: %v", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/conversations/%s/messages",
		c.baseURL, url.PathEscape(externalConversationID))

	status, err := c.post(ctx, endpoint, body, account, false)
	if err != nil {
		metrics.Deliveries.WithLabelValues("error", "token").Inc()
		return false, fmt.Sprintf("delivery request failed: %v", err)
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if account.BasicUser == "" {
			metrics.Deliveries.WithLabelValues("rejected", "token").Inc()
			return false, fmt.Sprintf("provider rejected credentials (status %d)", status)
		}

		logger.Warn("Token auth rejected, retrying with basic auth",
			zap.String("account_id", account.ID),
			zap.Int("status", status),
		)

		status, err = c.post(ctx, endpoint, body, account, true)
		if err != nil {
			metrics.Deliveries.WithLabelValues("error", "basic").Inc()
			return false, fmt.Sprintf("delivery request failed: %v", err)
		}
		if status >= 200 && status < 300 {
			metrics.Deliveries.WithLabelValues("ok", "basic").Inc()
			return true, ""
		}
		metrics.Deliveries.WithLabelValues("rejected", "basic").Inc()
		return false, fmt.Sprintf("provider rejected delivery (status %d)", status)
	}

	if status >= 200 && status < 300 {
		metrics.Deliveries.WithLabelValues("ok", "token").Inc()
		return true, ""
	}

	metrics.Deliveries.WithLabelValues("rejected", "token").Inc()
	return false, fmt.Sprintf("provider rejected delivery (status %d)", status)
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, account *models.Account, basic bool) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	if basic {
		req.SetBasicAuth(account.BasicUser, account.BasicPassword)
	} else {
		req.Header.Set("X-Api-Token", account.APIToken)
		if account.AgentToken != "" {
			req.Header.Set("X-Agent-Token", account.AgentToken)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}
