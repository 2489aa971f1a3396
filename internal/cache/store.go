package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jcarver/mailsync/pkg/types"
)

// Store provides methods for storing and retrieving message summaries
// from the cache. It is safe for concurrent use: the poll cycle,
// hydration, deletion and subscription changes all go through it.
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

const summaryColumns = `folder, id, seq_num, subject, sender, description, received_at, size_bytes, seen, attachment_names, preview, full_body, plain_text_body, inline_images`

// Upsert inserts a summary, or merges it into the existing row with
// the same identity. A merge refreshes the envelope fields, preview
// and attachment names but never touches the lazily-hydrated columns
// (full_body, plain_text_body, inline_images).
func (s *Store) Upsert(msg *types.MessageSummary) error {
	attachmentsJSON, err := json.Marshal(msg.AttachmentNames)
	if err != nil {
		return fmt.Errorf("failed to marshal attachment names: %w", err)
	}

	query := `
		INSERT INTO messages (folder, id, seq_num, subject, sender, description, received_at, size_bytes, seen, attachment_names, preview)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder, id) DO UPDATE SET
			seq_num = excluded.seq_num,
			subject = excluded.subject,
			sender = excluded.sender,
			description = excluded.description,
			received_at = excluded.received_at,
			size_bytes = excluded.size_bytes,
			seen = excluded.seen,
			attachment_names = excluded.attachment_names,
			preview = excluded.preview
	`
	_, err = s.cache.DB().Exec(query,
		msg.Folder,
		msg.ID,
		msg.SeqNum,
		msg.Subject,
		msg.Sender,
		msg.Description,
		msg.ReceivedAt.Format(time.RFC3339Nano),
		msg.SizeBytes,
		msg.Seen,
		string(attachmentsJSON),
		msg.Preview,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	return nil
}

// Remove deletes one summary by identity.
func (s *Store) Remove(folder, id string) error {
	if _, err := s.cache.DB().Exec("DELETE FROM messages WHERE folder = ? AND id = ?", folder, id); err != nil {
		return fmt.Errorf("failed to remove message: %w", err)
	}
	return nil
}

// Snapshot returns the folder's summaries in insertion order.
func (s *Store) Snapshot(folder string) ([]*types.MessageSummary, error) {
	query := fmt.Sprintf("SELECT %s FROM messages WHERE folder = ? ORDER BY rowid", summaryColumns)
	rows, err := s.cache.DB().Query(query, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*types.MessageSummary
	for rows.Next() {
		msg, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return messages, nil
}

// Find looks a summary up by id across all folders. It returns
// (nil, nil) when no folder contains the id.
func (s *Store) Find(id string) (*types.MessageSummary, error) {
	query := fmt.Sprintf("SELECT %s FROM messages WHERE id = ? ORDER BY rowid LIMIT 1", summaryColumns)
	row := s.cache.DB().QueryRow(query, id)

	msg, err := scanSummary(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// SetBody stores the hydrated body for a summary.
func (s *Store) SetBody(folder, id, body string, plainText bool, images map[string]string) error {
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("failed to marshal inline images: %w", err)
	}

	query := `UPDATE messages SET full_body = ?, plain_text_body = ?, inline_images = ? WHERE folder = ? AND id = ?`
	if _, err := s.cache.DB().Exec(query, body, plainText, string(imagesJSON), folder, id); err != nil {
		return fmt.Errorf("failed to store message body: %w", err)
	}
	return nil
}

// MarkSeen flips the cached seen flag after the server-side flag was set.
func (s *Store) MarkSeen(folder, id string) error {
	if _, err := s.cache.DB().Exec("UPDATE messages SET seen = 1 WHERE folder = ? AND id = ?", folder, id); err != nil {
		return fmt.Errorf("failed to mark message seen: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row scanner) (*types.MessageSummary, error) {
	var msg types.MessageSummary
	var receivedAt string
	var attachmentsJSON string
	var preview, fullBody, imagesJSON sql.NullString

	err := row.Scan(
		&msg.Folder,
		&msg.ID,
		&msg.SeqNum,
		&msg.Subject,
		&msg.Sender,
		&msg.Description,
		&receivedAt,
		&msg.SizeBytes,
		&msg.Seen,
		&attachmentsJSON,
		&preview,
		&fullBody,
		&msg.PlainTextBody,
		&imagesJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse received_at: %w", err)
	}

	if err := json.Unmarshal([]byte(attachmentsJSON), &msg.AttachmentNames); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachment names: %w", err)
	}
	if preview.Valid {
		msg.Preview = &preview.String
	}
	if fullBody.Valid {
		msg.FullBody = &fullBody.String
	}
	if imagesJSON.Valid {
		if err := json.Unmarshal([]byte(imagesJSON.String), &msg.InlineImages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inline images: %w", err)
		}
	}

	return &msg, nil
}
