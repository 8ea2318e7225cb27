package handlers

import (
	"github.com/replydesk/backend/internal/storage/models"
)

type conversationView struct {
	ID            string `json:"id"`
	ExternalID    string `json:"external_id"`
	ClientName    string `json:"client_name"`
	ClientEmail   string `json:"client_email"`
	Status        string `json:"status"`
	LastMessageAt int64  `json:"last_message_at"`
	CreatedAt     int64  `json:"created_at"`
}

type messageView struct {
	Seq              int64                   `json:"seq"`
	ID               string                  `json:"id"`
	ConversationID   string                  `json:"conversation_id"`
	Content          string                  `json:"content"`
	Sender           string                  `json:"sender"`
	SenderName       string                  `json:"sender_name,omitempty"`
	Approval         string                  `json:"approval"`
	Confidence       *float64                `json:"confidence,omitempty"`
	RetrievedContext []models.ContextSnippet `json:"retrieved_context,omitempty"`
	DeliveredAt      *int64                  `json:"delivered_at,omitempty"`
	CreatedAt        int64                   `json:"created_at"`
}

func viewConversation(c *models.Conversation) conversationView {
	return conversationView{
		ID:            c.ID,
		ExternalID:    c.ExternalID,
		ClientName:    c.ClientName,
		ClientEmail:   c.ClientEmail,
		Status:        string(c.Status),
		LastMessageAt: c.LastMessageAt.Unix(),
		CreatedAt:     c.CreatedAt.Unix(),
	}
}

func viewMessage(m *models.Message) messageView {
	v := messageView{
		Seq:              m.Seq,
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		Content:          m.Content,
		Sender:           string(m.Sender),
		SenderName:       m.SenderName,
		Approval:         m.Approval.String(),
		Confidence:       m.Confidence,
		RetrievedContext: m.RetrievedContext,
		CreatedAt:        m.CreatedAt.Unix(),
	}
	if m.DeliveredAt != nil {
		ts := m.DeliveredAt.Unix()
		v.DeliveredAt = &ts
	}
	return v
}

func viewMessages(msgs []models.Message) []messageView {
	views := make([]messageView, len(msgs))
	for i := range msgs {
		views[i] = viewMessage(&msgs[i])
	}
	return views
}
