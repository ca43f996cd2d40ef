package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meshtalk/meshtalk-node/pkg/crypto"
	"github.com/meshtalk/meshtalk-node/pkg/protocol"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// atRestKeyID keys the content cipher; a store encrypts for itself only.
const atRestKeyID = "local"

// MessageDB is the local conversation archive. Content is encrypted at
// rest when a passphrase is supplied, otherwise stored in the clear.
type MessageDB struct {
	db     *sql.DB
	cipher *crypto.SessionCipher
}

// StoredConversation is one conversation row
type StoredConversation struct {
	ID            string
	PeerID        string
	LastMessageID string
	LastTimestamp int64
	MessageCount  int
}

// Open opens (creating if needed) the message database at dbPath
func Open(dbPath string, passphrase string) (*MessageDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	mdb := &MessageDB{
		db:     db,
		cipher: crypto.NewSessionCipher(),
	}
	if passphrase != "" {
		key := crypto.Blake2b256([]byte(passphrase))
		if err := mdb.cipher.SetKey(atRestKeyID, key[:]); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := mdb.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return mdb, nil
}

func (db *MessageDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		last_message_id TEXT,
		last_timestamp INTEGER
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		message_id TEXT UNIQUE NOT NULL,
		sender_id TEXT NOT NULL,
		content BLOB NOT NULL,
		msg_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		received_at INTEGER NOT NULL DEFAULT 0,
		read_at INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		file_name TEXT,
		file_size INTEGER NOT NULL DEFAULT 0,
		file_mime TEXT,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC);
	`

	if _, err := db.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %v", err)
	}
	return nil
}

// SaveMessages upserts a batch of messages for one conversation.
// Re-saving an existing message id updates its status and timestamps,
// so repeated snapshots after merges stay idempotent.
func (db *MessageDB) SaveMessages(conversationID string, msgs []*protocol.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (
			conversation_id, message_id, sender_id, content, msg_type,
			timestamp, received_at, read_at, status,
			file_name, file_size, file_mime
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			status = excluded.status,
			received_at = excluded.received_at,
			read_at = excluded.read_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var lastID string
	var lastTS int64
	for _, msg := range msgs {
		content, err := db.cipher.Encrypt(atRestKeyID, []byte(msg.Content))
		if err != nil {
			return fmt.Errorf("failed to encrypt content: %v", err)
		}

		var fileName, fileMime string
		var fileSize int64
		if msg.File != nil {
			fileName = msg.File.Name
			fileSize = msg.File.Size
			fileMime = msg.File.MimeType
		}

		if _, err := stmt.Exec(
			conversationID,
			msg.ID,
			msg.SenderID,
			content,
			string(msg.Type),
			msg.Timestamp,
			msg.ReceivedAt,
			msg.ReadAt,
			string(msg.Status),
			fileName,
			fileSize,
			fileMime,
		); err != nil {
			return fmt.Errorf("failed to save message %s: %v", msg.ID, err)
		}

		if msg.Timestamp >= lastTS {
			lastTS = msg.Timestamp
			lastID = msg.ID
		}
	}

	peerID := peerFromConversation(conversationID, msgs)
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, peer_id, last_message_id, last_timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_timestamp = excluded.last_timestamp
	`, conversationID, peerID, lastID, lastTS); err != nil {
		return fmt.Errorf("failed to update conversation: %v", err)
	}

	return tx.Commit()
}

// peerFromConversation picks a representative remote peer for the
// conversation row. Falls back to the conversation id itself.
func peerFromConversation(conversationID string, msgs []*protocol.ChatMessage) string {
	for _, m := range msgs {
		if m.SenderID != "" {
			return m.SenderID
		}
	}
	return conversationID
}

// LoadMessages returns a conversation's history ordered by timestamp
func (db *MessageDB) LoadMessages(conversationID string) ([]*protocol.ChatMessage, error) {
	rows, err := db.db.Query(`
		SELECT message_id, sender_id, content, msg_type,
		       timestamp, received_at, read_at, status,
		       file_name, file_size, file_mime
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, message_id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*protocol.ChatMessage
	for rows.Next() {
		var msg protocol.ChatMessage
		var content []byte
		var msgType, status string
		var fileName, fileMime sql.NullString
		var fileSize int64

		if err := rows.Scan(
			&msg.ID,
			&msg.SenderID,
			&content,
			&msgType,
			&msg.Timestamp,
			&msg.ReceivedAt,
			&msg.ReadAt,
			&status,
			&fileName,
			&fileSize,
			&fileMime,
		); err != nil {
			return nil, err
		}

		plain, err := db.cipher.Decrypt(atRestKeyID, content)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt content: %v", err)
		}
		msg.Content = string(plain)
		msg.Type = protocol.MessageType(msgType)
		msg.Status = protocol.MessageStatus(status)
		if fileName.Valid && fileName.String != "" {
			msg.File = &protocol.FileInfo{
				Name:     fileName.String,
				Size:     fileSize,
				MimeType: fileMime.String,
			}
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// GetMessage retrieves a single message by id
func (db *MessageDB) GetMessage(messageID string) (*protocol.ChatMessage, error) {
	row := db.db.QueryRow(`
		SELECT message_id, sender_id, content, msg_type,
		       timestamp, received_at, read_at, status
		FROM messages WHERE message_id = ?
	`, messageID)

	var msg protocol.ChatMessage
	var content []byte
	var msgType, status string

	err := row.Scan(
		&msg.ID,
		&msg.SenderID,
		&content,
		&msgType,
		&msg.Timestamp,
		&msg.ReceivedAt,
		&msg.ReadAt,
		&status,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	plain, err := db.cipher.Decrypt(atRestKeyID, content)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt content: %v", err)
	}
	msg.Content = string(plain)
	msg.Type = protocol.MessageType(msgType)
	msg.Status = protocol.MessageStatus(status)
	return &msg, nil
}

// UpdateStatus updates one message's delivery status
func (db *MessageDB) UpdateStatus(messageID string, status protocol.MessageStatus) error {
	result, err := db.db.Exec(
		"UPDATE messages SET status = ? WHERE message_id = ?",
		string(status), messageID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Conversations lists all conversation rows, most recent first
func (db *MessageDB) Conversations() ([]*StoredConversation, error) {
	rows, err := db.db.Query(`
		SELECT c.id, c.peer_id, COALESCE(c.last_message_id, ''), COALESCE(c.last_timestamp, 0),
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.last_timestamp DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*StoredConversation
	for rows.Next() {
		var c StoredConversation
		if err := rows.Scan(&c.ID, &c.PeerID, &c.LastMessageID, &c.LastTimestamp, &c.MessageCount); err != nil {
			return nil, err
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation and its messages
func (db *MessageDB) DeleteConversation(conversationID string) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM conversations WHERE id = ?", conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database connection
func (db *MessageDB) Close() error {
	return db.db.Close()
}
