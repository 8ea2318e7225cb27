package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replydesk/backend/internal/storage/models"
)

func testAccount() *models.Account {
	return &models.Account{
		ID:            "acct-1",
		APIToken:      "api-token",
		AgentToken:    "agent-token",
		BasicUser:     "agent@example.com",
		BasicPassword: "hunter2",
		AgentName:     "Support Assistant",
	}
}

func TestSendWithTokenAuth(t *testing.T) {
	var gotPath, gotAPIToken, gotAgentToken string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIToken = r.Header.Get("X-Api-Token")
		gotAgentToken = r.Header.Get("X-Agent-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	ok, warning := c.Send(context.Background(), testAccount(), "ext-77", "your order shipped")

	assert.True(t, ok)
	assert.Empty(t, warning)
	assert.Equal(t, "/api/v1/conversations/ext-77/messages", gotPath)
	assert.Equal(t, "api-token", gotAPIToken)
	assert.Equal(t, "agent-token", gotAgentToken)
	assert.Equal(t, "your order shipped", gotBody["content"])
	assert.Equal(t, "Support Assistant", gotBody["agent_name"])
}

func TestSendFallsBackToBasicAuthOnce(t *testing.T) {
	var attempts int
	var basicUser string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if user, _, ok := r.BasicAuth(); ok {
			basicUser = user
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	ok, warning := c.Send(context.Background(), testAccount(), "ext-1", "hi")

	assert.True(t, ok)
	assert.Empty(t, warning)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "agent@example.com", basicUser)
}

func TestSendBothSchemesRejected(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	ok, warning := c.Send(context.Background(), testAccount(), "ext-1", "hi")

	assert.False(t, ok)
	assert.Contains(t, warning, "403")
	// Exactly one fallback attempt, never a loop.
	assert.Equal(t, 2, attempts)
}

func TestSendNoBasicCredentialsNoRetry(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	account := testAccount()
	account.BasicUser = ""
	account.BasicPassword = ""

	c := NewClient(srv.URL, time.Second)
	ok, warning := c.Send(context.Background(), account, "ext-1", "hi")

	assert.False(t, ok)
	assert.NotEmpty(t, warning)
	assert.Equal(t, 1, attempts)
}

func TestSendServerErrorNoRetry(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	ok, warning := c.Send(context.Background(), testAccount(), "ext-1", "hi")

	assert.False(t, ok)
	assert.Contains(t, warning, "500")
	assert.Equal(t, 1, attempts)
}

func TestSendNetworkFailureReturnsWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, time.Second)
	ok, warning := c.Send(context.Background(), testAccount(), "ext-1", "hi")

	assert.False(t, ok)
	assert.NotEmpty(t, warning)
}
