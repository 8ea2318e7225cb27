package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replydesk/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.InitSchema())

	return client
}

func seedAccount(t *testing.T, c *Client) *models.Account {
	t.Helper()

	account := &models.Account{
		ExternalAccountID: "acct-ext",
		APIToken:          "token",
		WebhookSecret:     "secret",
		Active:            true,
	}
	require.NoError(t, c.InsertAccount(account))
	return account
}

func seedConversation(t *testing.T, c *Client, accountID string) *models.Conversation {
	t.Helper()

	conv, err := c.UpsertConversation(accountID, "ext-1", "Dana", "dana@example.com", models.StatusActive)
	require.NoError(t, err)
	return conv
}

func TestUpsertConversationCreatesThenUpdates(t *testing.T) {
	c := newTestClient(t)
	account := seedAccount(t, c)

	first, err := c.UpsertConversation(account.ID, "ext-1", "Dana", "", models.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, "Dana", first.ClientName)
	assert.Equal(t, models.StatusActive, first.Status)

	second, err := c.UpsertConversation(account.ID, "ext-1", "", "dana@example.com", models.StatusActive)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	// Empty identity fields never clobber known values.
	assert.Equal(t, "Dana", second.ClientName)
	assert.Equal(t, "dana@example.com", second.ClientEmail)
}

func TestUpsertConversationResolvedIsSticky(t *testing.T) {
	c := newTestClient(t)
	account := seedAccount(t, c)

	_, err := c.UpsertConversation(account.ID, "ext-1", "", "", models.StatusResolved)
	require.NoError(t, err)

	conv, err := c.UpsertConversation(account.ID, "ext-1", "", "", models.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, conv.Status)
}

func TestInsertMessageIdempotentOnExternalID(t *testing.T) {
	c := newTestClient(t)
	account := seedAccount(t, c)
	conv := seedConversation(t, c, account.ID)

	msg := &models.Message{
		ConversationID: conv.ID,
		ExternalID:     "prov-1",
		Content:        "hello",
		Sender:         models.SenderClient,
	}
	inserted, err := c.InsertMessage(msg)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &models.Message{
		ConversationID: conv.ID,
		ExternalID:     "prov-1",
		Content:        "hello again",
		Sender:         models.SenderClient,
	}
	inserted, err = c.InsertMessage(dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	messages, err := c.ListMessages(conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Content)
}

func TestInsertMessageAllowsManyWithoutExternalID(t *testing.T) {
	c := newTestClient(t)
	account := seedAccount(t, c)
	conv := seedConversation(t, c, account.ID)

	for i := 0; i < 3; i++ {
		inserted, err := c.InsertMessage(&models.Message{
			ConversationID: conv.ID,
			Content:        "internal",
			Sender:         models.SenderLLM,
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	messages, err := c.ListMessages(conv.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 3)
}

func TestMessageSequenceAndWatermarkQueries(t *testing.T) {
	c := newTestClient(t)
	account := seedAccount(t, c)
	conv := seedConversation(t, c, account.ID)

	contents := []string{"one", "two", "three"}
	var seqs []int64
	for i, content := range contents {
		msg := &models.Message{
			ConversationID: conv.ID,
			ExternalID:     "m" + content,
			Content:        content,
			Sender:         models.SenderClient,
			CreatedAt:      time.Now().Add(time.Duration(i) * time.Second),
		}
		_, err := c.InsertMessage(msg)
		require.NoError(t, err)

		stored, err := c.GetMessage(msg.ID)
		require.NoError(t, err)
		seqs = append(seqs, stored.Seq)
	}

	assert.True(t, seqs[0] < seqs[1] && seqs[1] < seqs[2])

	since, err := c.MessagesSince(conv.ID, seqs[0])
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "two", since[0].Content)
	assert.Equal(t, "three", since[1].Content)

	since, err = c.MessagesSince(conv.ID, seqs[2])
	require.NoError(t, err)
	assert.Empty(t, since)
}

func TestRecentMessagesChronologicalAndCapped(t *testing.T) {
	c := newTestClient(t)
	account := seedAccount(t, c)
	conv := seedConversation(t, c, account.ID)

	for _, content := range []string{"a", "b", "c", "d"} {
		_, err := c.InsertMessage(&models.Message{
			ConversationID: conv.ID,
			ExternalID:     "m" + content,
			Content:        content,
			Sender:         models.SenderClient,
		})
		require.NoError(t, err)
	}

	recent, err := c.RecentMessages(conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Content)
	assert.Equal(t, "d", recent[1].Content)
}

func TestPrecedingClientMessage(t *testing.T) {
	c := newTestClient(t)
	account := seedAccount(t, c)
	conv := seedConversation(t, c, account.ID)

	question := &models.Message{ConversationID: conv.ID, ExternalID: "q", Content: "question", Sender: models.SenderClient}
	_, err := c.InsertMessage(question)
	require.NoError(t, err)

	draft := &models.Message{ConversationID: conv.ID, Content: "answer", Sender: models.SenderLLM}
	_, err = c.InsertMessage(draft)
	require.NoError(t, err)

	stored, err := c.GetMessage(draft.ID)
	require.NoError(t, err)

	preceding, err := c.PrecedingClientMessage(conv.ID, stored.Seq)
	require.NoError(t, err)
	assert.Equal(t, "question", preceding.Content)

	storedQuestion, err := c.GetMessage(question.ID)
	require.NoError(t, err)
	_, err = c.PrecedingClientMessage(conv.ID, storedQuestion.Seq)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestApprovalRoundTrip(t *testing.T) {
	c := newTestClient(t)
	account := seedAccount(t, c)
	conv := seedConversation(t, c, account.ID)

	draft := &models.Message{ConversationID: conv.ID, Content: "draft", Sender: models.SenderLLM}
	_, err := c.InsertMessage(draft)
	require.NoError(t, err)

	stored, err := c.GetMessage(draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, stored.Approval)

	require.NoError(t, c.SetApproval(draft.ID, models.ApprovalApproved))
	stored, err = c.GetMessage(draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, stored.Approval)

	require.NoError(t, c.SetApproval(draft.ID, models.ApprovalRejected))
	stored, err = c.GetMessage(draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, stored.Approval)
}

func TestMarkDeliveredAndUpdateContent(t *testing.T) {
	c := newTestClient(t)
	account := seedAccount(t, c)
	conv := seedConversation(t, c, account.ID)

	draft := &models.Message{ConversationID: conv.ID, Content: "draft", Sender: models.SenderLLM}
	_, err := c.InsertMessage(draft)
	require.NoError(t, err)

	at := time.Now().Truncate(time.Second)
	require.NoError(t, c.MarkDelivered(draft.ID, at))
	require.NoError(t, c.UpdateMessageContent(draft.ID, "edited"))

	stored, err := c.GetMessage(draft.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DeliveredAt)
	assert.True(t, stored.DeliveredAt.Equal(at))
	assert.Equal(t, "edited", stored.Content)
}

func TestUpdatesOnMissingMessageReturnNoRows(t *testing.T) {
	c := newTestClient(t)

	assert.ErrorIs(t, c.SetApproval("missing", models.ApprovalApproved), sql.ErrNoRows)
	assert.ErrorIs(t, c.MarkDelivered("missing", time.Now()), sql.ErrNoRows)
	assert.ErrorIs(t, c.UpdateMessageContent("missing", "x"), sql.ErrNoRows)
}

func TestRetrievedContextRoundTrip(t *testing.T) {
	c := newTestClient(t)
	account := seedAccount(t, c)
	conv := seedConversation(t, c, account.ID)

	confidence := 0.8
	draft := &models.Message{
		ConversationID: conv.ID,
		Content:        "draft",
		Sender:         models.SenderLLM,
		Confidence:     &confidence,
		RetrievedContext: []models.ContextSnippet{
			{Content: "refund policy", Source: "article_import", Similarity: 0.91},
		},
	}
	_, err := c.InsertMessage(draft)
	require.NoError(t, err)

	stored, err := c.GetMessage(draft.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Confidence)
	assert.Equal(t, 0.8, *stored.Confidence)
	require.Len(t, stored.RetrievedContext, 1)
	assert.Equal(t, "refund policy", stored.RetrievedContext[0].Content)
	assert.Equal(t, 0.91, stored.RetrievedContext[0].Similarity)
}

func TestListActiveAccounts(t *testing.T) {
	c := newTestClient(t)

	require.NoError(t, c.InsertAccount(&models.Account{ExternalAccountID: "a1", Active: true}))
	require.NoError(t, c.InsertAccount(&models.Account{ExternalAccountID: "a2", Active: false}))

	accounts, err := c.ListActiveAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "a1", accounts[0].ExternalAccountID)
}
