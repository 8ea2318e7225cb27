package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replydesk/backend/internal/ingestion"
	"github.com/replydesk/backend/internal/storage/models"
	"github.com/replydesk/backend/internal/storage/sqlite"
	"github.com/replydesk/backend/internal/webhook"
)

type noopGenerator struct{}

func (noopGenerator) Generate(ctx context.Context, conversationID, userMessage string, history []models.Message, useRetrieval bool) (*models.Message, error) {
	return &models.Message{}, nil
}

func newWebhookApp(t *testing.T, strict bool) (*fiber.App, *sqlite.Client, *ingestion.Pipeline) {
	t.Helper()

	ledger, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	require.NoError(t, ledger.InitSchema())

	pipeline := ingestion.NewPipeline(ledger, noopGenerator{}, ingestion.Config{})
	handler := NewWebhookHandler(ledger, pipeline, strict)

	app := fiber.New()
	app.Post("/webhooks/chat", handler.HandleChatEvent)
	return app, ledger, pipeline
}

func seedWebhookAccount(t *testing.T, ledger *sqlite.Client, externalID, secret string) *models.Account {
	t.Helper()

	account := &models.Account{
		ExternalAccountID: externalID,
		WebhookSecret:     secret,
		Active:            true,
	}
	require.NoError(t, ledger.InsertAccount(account))
	return account
}

func postWebhook(t *testing.T, app *fiber.App, body []byte, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

var validPayload = []byte(`{
	"conversation_id": "ext-1",
	"client_name": "Dana",
	"messages": [{"id": "m1", "type": "client", "text": "hi", "created_at": 1700000000}]
}`)

func TestWebhookLenientNoSignature(t *testing.T) {
	app, ledger, pipeline := newWebhookApp(t, false)
	account := seedWebhookAccount(t, ledger, "acct-1", "secret")

	resp := postWebhook(t, app, validPayload, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	pipeline.Wait()

	conv, err := ledger.GetConversationByExternalID(account.ID, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "Dana", conv.ClientName)
}

func TestWebhookStrictRequiresSignature(t *testing.T) {
	app, ledger, _ := newWebhookApp(t, true)
	seedWebhookAccount(t, ledger, "acct-1", "secret")

	resp := postWebhook(t, app, validPayload, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookValidSignatureRoutesToAccount(t *testing.T) {
	app, ledger, pipeline := newWebhookApp(t, true)
	seedWebhookAccount(t, ledger, "acct-1", "other-secret")
	account := seedWebhookAccount(t, ledger, "acct-2", "right-secret")

	resp := postWebhook(t, app, validPayload, map[string]string{
		"X-Webhook-Signature": webhook.Sign(validPayload, "right-secret"),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	pipeline.Wait()

	conv, err := ledger.GetConversationByExternalID(account.ID, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, account.ID, conv.AccountID)
}

func TestWebhookBadSignatureRejectedInStrictMode(t *testing.T) {
	app, ledger, _ := newWebhookApp(t, true)
	seedWebhookAccount(t, ledger, "acct-1", "secret")

	resp := postWebhook(t, app, validPayload, map[string]string{
		"X-Webhook-Signature": webhook.Sign(validPayload, "wrong-secret"),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookBadSignatureAcceptedInLenientMode(t *testing.T) {
	app, ledger, pipeline := newWebhookApp(t, false)
	account := seedWebhookAccount(t, ledger, "acct-1", "secret")

	resp := postWebhook(t, app, validPayload, map[string]string{
		"X-Webhook-Signature": webhook.Sign(validPayload, "wrong-secret"),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	pipeline.Wait()

	conv, err := ledger.GetConversationByExternalID(account.ID, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, account.ID, conv.AccountID)
}

func TestWebhookNoAccountsConfigured(t *testing.T) {
	app, _, _ := newWebhookApp(t, false)

	resp := postWebhook(t, app, validPayload, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookMalformedPayload(t *testing.T) {
	app, ledger, _ := newWebhookApp(t, false)
	seedWebhookAccount(t, ledger, "acct-1", "secret")

	resp := postWebhook(t, app, []byte(`{"messages": []}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
