package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pulsefit/mailqueue/internal/domain"
	"github.com/pulsefit/mailqueue/internal/processor"
)

// QueueRepo implements processor.Store against PostgreSQL. Items are
// claimed with a conditional UPDATE so two concurrent drains can never
// dispatch the same item twice.
type QueueRepo struct{ db *sql.DB }

// NewQueueRepo creates a Postgres-backed email queue repository.
func NewQueueRepo(db *sql.DB) *QueueRepo { return &QueueRepo{db: db} }

const queueColumns = `
	id, to_email, kind, COALESCE(metadata, '{}'::jsonb),
	COALESCE(subject,''), COALESCE(html_body,''), COALESCE(text_body,''),
	COALESCE(preferred_provider,''), status, retry_count, max_retries,
	next_retry_at, COALESCE(provider,''), COALESCE(provider_message_id,''),
	COALESCE(error_message,''), created_at, updated_at`

// FetchPending returns due pending items, oldest first. An item with a
// future next_retry_at is not due yet and stays out of the batch.
func (r *QueueRepo) FetchPending(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM email_queue
		WHERE status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending emails: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// Claim transitions one item from pending to processing. Returns false
// when the item was no longer pending, meaning another run got there first.
func (r *QueueRepo) Claim(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_queue SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim email %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim email %s: %w", id, err)
	}
	return n > 0, nil
}

// UpdateStatus writes a status transition plus whichever optional columns
// the fields carry.
func (r *QueueRepo) UpdateStatus(ctx context.Context, id string, status domain.QueueStatus, u processor.UpdateFields) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	add("status", string(status))
	if u.RetryCount != nil {
		add("retry_count", *u.RetryCount)
	}
	if u.NextRetryAt != nil {
		add("next_retry_at", *u.NextRetryAt)
	} else if u.ClearNextRetry {
		sets = append(sets, "next_retry_at = NULL")
	}
	if u.ProviderMessageID != "" {
		add("provider_message_id", u.ProviderMessageID)
	}
	if u.Provider != "" {
		add("provider", u.Provider)
	}
	if u.ErrorMessage != "" {
		add("error_message", u.ErrorMessage)
	}
	sets = append(sets, "updated_at = NOW()")

	q := fmt.Sprintf("UPDATE email_queue SET %s WHERE id = $%d", strings.Join(sets, ", "), idx)
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update email %s to %s: %w", id, status, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update email %s to %s: not found", id, status)
	}
	return nil
}

// Stats returns item counts grouped by status.
func (r *QueueRepo) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM email_queue GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{
		string(domain.StatusPending):    0,
		string(domain.StatusProcessing): 0,
		string(domain.StatusSent):       0,
		string(domain.StatusFailed):     0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Enqueue inserts a new pending item and returns its id.
func (r *QueueRepo) Enqueue(ctx context.Context, item *domain.QueueItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = domain.StatusPending
	}
	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal email metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO email_queue
			(id, to_email, kind, metadata, subject, html_body, text_body,
			 preferred_provider, status, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, NOW(), NOW())
	`, item.ID, item.ToEmail, string(item.Kind), meta,
		item.Subject, item.HTMLBody, item.TextBody,
		item.PreferredProvider, string(item.Status), item.MaxRetries)
	if err != nil {
		return "", fmt.Errorf("enqueue email: %w", err)
	}
	return item.ID, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(row rowScanner) (*domain.QueueItem, error) {
	var (
		item    domain.QueueItem
		metaRaw []byte
		nextAt  sql.NullTime
		kind    string
		status  string
	)
	err := row.Scan(
		&item.ID, &item.ToEmail, &kind, &metaRaw,
		&item.Subject, &item.HTMLBody, &item.TextBody,
		&item.PreferredProvider, &status, &item.RetryCount, &item.MaxRetries,
		&nextAt, &item.Provider, &item.ProviderMessageID, &item.ErrorMessage,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	item.Kind = domain.EmailKind(kind)
	item.Status = domain.QueueStatus(status)
	if nextAt.Valid {
		t := nextAt.Time
		item.NextRetryAt = &t
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &item.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal email metadata: %w", err)
		}
	}
	return &item, nil
}
