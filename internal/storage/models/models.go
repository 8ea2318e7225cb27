package models

import "time"

type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusResolved ConversationStatus = "resolved"
)

type Sender string

const (
	SenderClient Sender = "client"
	SenderAgent  Sender = "agent"
	SenderLLM    Sender = "llm"
)

// ApprovalState is the tri-state review status of an LLM-drafted message.
// It is persisted as a nullable boolean; non-LLM messages carry
// ApprovalNone because they need no review.
type ApprovalState int

const (
	ApprovalNone ApprovalState = iota
	ApprovalPending
	ApprovalApproved
	ApprovalRejected
)

func (s ApprovalState) String() string {
	switch s {
	case ApprovalPending:
		return "pending"
	case ApprovalApproved:
		return "approved"
	case ApprovalRejected:
		return "rejected"
	default:
		return "none"
	}
}

// NullableBool maps the state onto the stored nullable-boolean column:
// nil = pending, true = approved, false = rejected.
func (s ApprovalState) NullableBool() *bool {
	switch s {
	case ApprovalApproved:
		t := true
		return &t
	case ApprovalRejected:
		f := false
		return &f
	default:
		return nil
	}
}

func ApprovalFromNullableBool(v *bool, sender Sender) ApprovalState {
	if sender != SenderLLM {
		return ApprovalNone
	}
	if v == nil {
		return ApprovalPending
	}
	if *v {
		return ApprovalApproved
	}
	return ApprovalRejected
}

type Conversation struct {
	ID            string
	AccountID     string
	ExternalID    string
	ClientName    string
	ClientEmail   string
	Status        ConversationStatus
	LastMessageAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Message struct {
	Seq              int64 // monotonic ledger sequence, used as the stream watermark
	ID               string
	ConversationID   string
	ExternalID       string // empty for messages this system originates
	Content          string
	Sender           Sender
	SenderName       string
	Kind             string // fixed to "text" in current scope
	RetrievedContext []ContextSnippet
	Confidence       *float64
	Approval         ApprovalState
	DeliveredAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ContextSnippet is one retrieved knowledge entry frozen into a message at
// generation time, kept only for display in the review UI.
type ContextSnippet struct {
	Content    string  `json:"content"`
	Source     string  `json:"source"`
	SourceID   string  `json:"source_id,omitempty"`
	Similarity float64 `json:"similarity"`
}

type Account struct {
	ID                string
	ExternalAccountID string
	APIToken          string
	AgentToken        string
	BasicUser         string
	BasicPassword     string
	WebhookSecret     string
	AgentName         string
	Active            bool
	CreatedAt         time.Time
}

type KnowledgeEntry struct {
	ID          string
	Content     string
	Source      string
	SourceID    string
	ContentHash string
	Embedding   []float32
	Metadata    map[string]string
	CreatedAt   time.Time
}

const (
	KnowledgeSourceApprovedResponse   = "approved_response"
	KnowledgeSourceConversationImport = "conversation_import"
	KnowledgeSourceArticleImport      = "article_import"
	KnowledgeSourceManual             = "manual"
)
