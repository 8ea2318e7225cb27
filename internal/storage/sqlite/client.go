package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/storage/models"
	"github.com/replydesk/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		external_account_id TEXT UNIQUE NOT NULL,
		api_token TEXT NOT NULL DEFAULT '',
		agent_token TEXT NOT NULL DEFAULT '',
		basic_user TEXT NOT NULL DEFAULT '',
		basic_password TEXT NOT NULL DEFAULT '',
		webhook_secret TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		client_name TEXT NOT NULL DEFAULT '',
		client_email TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		last_message_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (account_id, external_id),
		FOREIGN KEY (account_id) REFERENCES accounts(id)
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_account ON conversations(account_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_message_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		conversation_id TEXT NOT NULL,
		external_id TEXT,
		content TEXT NOT NULL,
		sender TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'text',
		retrieved_context TEXT,
		confidence REAL,
		approved INTEGER,
		delivered_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external ON messages(external_id) WHERE external_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertAccount(account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO accounts (id, external_account_id, api_token, agent_token, basic_user,
			basic_password, webhook_secret, agent_name, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	active := 0
	if account.Active {
		active = 1
	}

	_, err := c.db.Exec(
		query,
		account.ID,
		account.ExternalAccountID,
		account.APIToken,
		account.AgentToken,
		account.BasicUser,
		account.BasicPassword,
		account.WebhookSecret,
		account.AgentName,
		active,
		account.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}

	logger.Info("Account created", zap.String("account_id", account.ID))
	return nil
}

func (c *Client) GetAccount(id string) (*models.Account, error) {
	query := `
		SELECT id, external_account_id, api_token, agent_token, basic_user,
			basic_password, webhook_secret, agent_name, active, created_at
		FROM accounts WHERE id = ?
	`
	return c.scanAccount(c.db.QueryRow(query, id))
}

func (c *Client) ListActiveAccounts() ([]models.Account, error) {
	query := `
		SELECT id, external_account_id, api_token, agent_token, basic_user,
			basic_password, webhook_secret, agent_name, active, created_at
		FROM accounts WHERE active = 1 ORDER BY created_at
	`

	rows, err := c.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := c.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}

	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (c *Client) scanAccount(row rowScanner) (*models.Account, error) {
	var account models.Account
	var active int
	var createdAt int64

	err := row.Scan(
		&account.ID,
		&account.ExternalAccountID,
		&account.APIToken,
		&account.AgentToken,
		&account.BasicUser,
		&account.BasicPassword,
		&account.WebhookSecret,
		&account.AgentName,
		&active,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	account.Active = active == 1
	account.CreatedAt = time.Unix(createdAt, 0)
	return &account, nil
}

// UpsertConversation creates the conversation on first contact and refreshes
// mutable fields afterwards. The unique (account_id, external_id) constraint
// plus ON CONFLICT keeps concurrent deliveries of the same event from racing
// into duplicates. Identity fields are only overwritten with non-empty values,
// and status never moves off resolved from the webhook path.
func (c *Client) UpsertConversation(accountID, externalID, clientName, clientEmail string, status models.ConversationStatus) (*models.Conversation, error) {
	if status == "" {
		status = models.StatusActive
	}

	now := time.Now().Unix()
	query := `
		INSERT INTO conversations (id, account_id, external_id, client_name, client_email, status, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, external_id) DO UPDATE SET
			client_name = CASE WHEN excluded.client_name != '' THEN excluded.client_name ELSE conversations.client_name END,
			client_email = CASE WHEN excluded.client_email != '' THEN excluded.client_email ELSE conversations.client_email END,
			status = CASE WHEN conversations.status = 'resolved' THEN conversations.status ELSE excluded.status END,
			updated_at = excluded.updated_at
	`

	_, err := c.db.Exec(query, uuid.New().String(), accountID, externalID, clientName, clientEmail, string(status), now, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	return c.GetConversationByExternalID(accountID, externalID)
}

func (c *Client) GetConversation(id string) (*models.Conversation, error) {
	query := conversationColumns + ` WHERE id = ?`
	return c.scanConversation(c.db.QueryRow(query, id))
}

func (c *Client) GetConversationByExternalID(accountID, externalID string) (*models.Conversation, error) {
	query := conversationColumns + ` WHERE account_id = ? AND external_id = ?`
	return c.scanConversation(c.db.QueryRow(query, accountID, externalID))
}

func (c *Client) ListConversations(limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := conversationColumns + ` ORDER BY last_message_at DESC LIMIT ?`

	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		conv, err := c.scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}

	return conversations, rows.Err()
}

const conversationColumns = `
	SELECT id, account_id, external_id, client_name, client_email, status, last_message_at, created_at, updated_at
	FROM conversations`

func (c *Client) scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	var status string
	var lastMessageAt, createdAt, updatedAt int64

	err := row.Scan(
		&conv.ID,
		&conv.AccountID,
		&conv.ExternalID,
		&conv.ClientName,
		&conv.ClientEmail,
		&status,
		&lastMessageAt,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}

	conv.Status = models.ConversationStatus(status)
	conv.LastMessageAt = time.Unix(lastMessageAt, 0)
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	return &conv, nil
}

// TouchConversation refreshes the activity watermark so polling consumers
// observe new activity even when no reply was generated.
func (c *Client) TouchConversation(id string, lastMessageAt time.Time) error {
	query := `UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`

	_, err := c.db.Exec(query, lastMessageAt.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

func (c *Client) MessageExistsByExternalID(externalID string) (bool, error) {
	var one int
	err := c.db.QueryRow(`SELECT 1 FROM messages WHERE external_id = ?`, externalID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return true, nil
}

// InsertMessage persists a message and reports whether a row was actually
// written. Redelivered provider messages hit the unique external_id index
// and come back inserted=false instead of duplicating the ledger.
func (c *Client) InsertMessage(msg *models.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Kind == "" {
		msg.Kind = "text"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	var externalID sql.NullString
	if msg.ExternalID != "" {
		externalID = sql.NullString{String: msg.ExternalID, Valid: true}
	}

	var contextJSON sql.NullString
	if msg.RetrievedContext != nil {
		data, err := json.Marshal(msg.RetrievedContext)
		if err != nil {
			return false, fmt.Errorf("failed to marshal retrieved context: %w", err)
		}
		contextJSON = sql.NullString{String: string(data), Valid: true}
	}

	var deliveredAt sql.NullInt64
	if msg.DeliveredAt != nil {
		deliveredAt = sql.NullInt64{Int64: msg.DeliveredAt.Unix(), Valid: true}
	}

	query := `
		INSERT OR IGNORE INTO messages (id, conversation_id, external_id, content, sender, sender_name,
			kind, retrieved_context, confidence, approved, delivered_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := c.db.Exec(
		query,
		msg.ID,
		msg.ConversationID,
		externalID,
		msg.Content,
		string(msg.Sender),
		msg.SenderName,
		msg.Kind,
		contextJSON,
		nullableFloat(msg.Confidence),
		nullableBool(msg.Approval.NullableBool()),
		deliveredAt,
		msg.CreatedAt.Unix(),
		msg.UpdatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		logger.Debug("Duplicate message skipped", zap.String("external_id", msg.ExternalID))
		return false, nil
	}

	return true, nil
}

func (c *Client) GetMessage(id string) (*models.Message, error) {
	query := messageColumns + ` WHERE id = ?`
	return c.scanMessage(c.db.QueryRow(query, id))
}

// RecentMessages returns the last `limit` messages of a conversation in
// chronological order.
func (c *Client) RecentMessages(conversationID string, limit int) ([]models.Message, error) {
	query := messageColumns + ` WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`

	rows, err := c.db.Query(query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := c.collectMessages(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (c *Client) ListMessages(conversationID string) ([]models.Message, error) {
	query := messageColumns + ` WHERE conversation_id = ? ORDER BY seq`

	rows, err := c.db.Query(query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	return c.collectMessages(rows)
}

// MessagesSince returns messages of a conversation with seq greater than the
// given watermark, oldest first. Clients advance the watermark to the last
// seq they have seen.
func (c *Client) MessagesSince(conversationID string, afterSeq int64) ([]models.Message, error) {
	query := messageColumns + ` WHERE conversation_id = ? AND seq > ? ORDER BY seq`

	rows, err := c.db.Query(query, conversationID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages since watermark: %w", err)
	}
	defer rows.Close()

	return c.collectMessages(rows)
}

// PrecedingClientMessage finds the nearest client message before the given
// message in the same conversation, used for Q/A knowledge extraction.
func (c *Client) PrecedingClientMessage(conversationID string, beforeSeq int64) (*models.Message, error) {
	query := messageColumns + ` WHERE conversation_id = ? AND seq < ? AND sender = 'client' ORDER BY seq DESC LIMIT 1`
	return c.scanMessage(c.db.QueryRow(query, conversationID, beforeSeq))
}

func (c *Client) SetApproval(messageID string, state models.ApprovalState) error {
	query := `UPDATE messages SET approved = ?, updated_at = ? WHERE id = ?`

	res, err := c.db.Exec(query, nullableBool(state.NullableBool()), time.Now().Unix(), messageID)
	if err != nil {
		return fmt.Errorf("failed to set approval: %w", err)
	}
	return requireRow(res)
}

func (c *Client) MarkDelivered(messageID string, at time.Time) error {
	query := `UPDATE messages SET delivered_at = ?, updated_at = ? WHERE id = ?`

	res, err := c.db.Exec(query, at.Unix(), time.Now().Unix(), messageID)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return requireRow(res)
}

func (c *Client) UpdateMessageContent(messageID, content string) error {
	query := `UPDATE messages SET content = ?, updated_at = ? WHERE id = ?`

	res, err := c.db.Exec(query, content, time.Now().Unix(), messageID)
	if err != nil {
		return fmt.Errorf("failed to update message content: %w", err)
	}
	return requireRow(res)
}

const messageColumns = `
	SELECT seq, id, conversation_id, external_id, content, sender, sender_name, kind,
		retrieved_context, confidence, approved, delivered_at, created_at, updated_at
	FROM messages`

func (c *Client) scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var externalID, contextJSON sql.NullString
	var sender string
	var confidence sql.NullFloat64
	var approved sql.NullBool
	var deliveredAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&msg.Seq,
		&msg.ID,
		&msg.ConversationID,
		&externalID,
		&msg.Content,
		&sender,
		&msg.SenderName,
		&msg.Kind,
		&contextJSON,
		&confidence,
		&approved,
		&deliveredAt,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.Sender = models.Sender(sender)
	if externalID.Valid {
		msg.ExternalID = externalID.String
	}
	if contextJSON.Valid {
		if err := json.Unmarshal([]byte(contextJSON.String), &msg.RetrievedContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal retrieved context: %w", err)
		}
	}
	if confidence.Valid {
		v := confidence.Float64
		msg.Confidence = &v
	}
	var approvedPtr *bool
	if approved.Valid {
		v := approved.Bool
		approvedPtr = &v
	}
	msg.Approval = models.ApprovalFromNullableBool(approvedPtr, msg.Sender)
	if deliveredAt.Valid {
		t := time.Unix(deliveredAt.Int64, 0)
		msg.DeliveredAt = &t
	}
	msg.CreatedAt = time.Unix(createdAt, 0)
	msg.UpdatedAt = time.Unix(updatedAt, 0)

	return &msg, nil
}

func (c *Client) collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		msg, err := c.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullableBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}
