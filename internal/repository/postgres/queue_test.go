package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pulsefit/mailqueue/internal/domain"
	"github.com/pulsefit/mailqueue/internal/processor"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func queueRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "to_email", "kind", "metadata",
		"subject", "html_body", "text_body",
		"preferred_provider", "status", "retry_count", "max_retries",
		"next_retry_at", "provider", "provider_message_id",
		"error_message", "created_at", "updated_at",
	})
}

func TestFetchPending(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	rows := queueRows().
		AddRow("id-1", "alice@example.com", "booking_confirmation", []byte(`{"class_name":"Yoga"}`),
			"", "", "", "", "pending", 0, 3, nil, "", "", "", now.Add(-2*time.Hour), now.Add(-2*time.Hour)).
		AddRow("id-2", "bob@example.com", "generic", []byte(`{}`),
			"Hi", "<p>Hi</p>", "", "mailgun", "pending", 1, 3, nil, "", "", "timeout", now.Add(-time.Hour), now)

	mock.ExpectQuery(`SELECT(.|\s)+FROM email_queue(.|\s)+status = 'pending'(.|\s)+ORDER BY created_at ASC`).
		WithArgs(10).
		WillReturnRows(rows)

	repo := NewQueueRepo(db)
	items, err := repo.FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchPending() error: %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].ID != "id-1" || items[1].ID != "id-2" {
		t.Errorf("items out of order: %s, %s", items[0].ID, items[1].ID)
	}
	if items[0].Kind != domain.KindBookingConfirmation {
		t.Errorf("kind = %s", items[0].Kind)
	}
	if got := items[0].Metadata["class_name"]; got != "Yoga" {
		t.Errorf("metadata class_name = %v", got)
	}
	if items[1].PreferredProvider != "mailgun" {
		t.Errorf("preferred provider = %q", items[1].PreferredProvider)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaim(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewQueueRepo(db)

	mock.ExpectExec(`UPDATE email_queue SET status = 'processing'(.|\s)+status = 'pending'`).
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := repo.Claim(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if !claimed {
		t.Error("Claim() = false, want true when a row flips")
	}

	// Second claim hits zero rows: item no longer pending.
	mock.ExpectExec(`UPDATE email_queue SET status = 'processing'`).
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err = repo.Claim(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if claimed {
		t.Error("Claim() = true, want false when no row flips")
	}
}

func TestUpdateStatus_SentClearsRetrySchedule(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewQueueRepo(db)

	mock.ExpectExec(`UPDATE email_queue SET status = \$1, next_retry_at = NULL, provider_message_id = \$2, provider = \$3, updated_at = NOW\(\) WHERE id = \$4`).
		WithArgs("sent", "mid-1", "smtp", "id-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), "id-1", domain.StatusSent, processor.UpdateFields{
		ProviderMessageID: "mid-1",
		Provider:          "smtp",
		ClearNextRetry:    true,
	})
	if err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdateStatus_RetryParking(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewQueueRepo(db)
	retryCount := 2
	nextAt := time.Now().Add(10 * time.Minute)

	mock.ExpectExec(`UPDATE email_queue SET status = \$1, retry_count = \$2, next_retry_at = \$3, error_message = \$4, updated_at = NOW\(\) WHERE id = \$5`).
		WithArgs("pending", retryCount, nextAt, "connection refused", "id-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), "id-1", domain.StatusPending, processor.UpdateFields{
		RetryCount:   &retryCount,
		NextRetryAt:  &nextAt,
		ErrorMessage: "connection refused",
	})
	if err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewQueueRepo(db)

	mock.ExpectExec(`UPDATE email_queue SET status = \$1`).
		WithArgs("failed", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "ghost", domain.StatusFailed, processor.UpdateFields{})
	if err == nil {
		t.Fatal("UpdateStatus() should fail for a missing item")
	}
}

func TestStats(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM email_queue GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 4).
			AddRow("sent", 120))

	repo := NewQueueRepo(db)
	stats, err := repo.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}

	if stats["pending"] != 4 || stats["sent"] != 120 {
		t.Errorf("stats = %v", stats)
	}
	// Absent statuses report zero rather than disappearing.
	if v, ok := stats["failed"]; !ok || v != 0 {
		t.Errorf("stats[failed] = %d (present %v), want explicit 0", v, ok)
	}
	if v, ok := stats["processing"]; !ok || v != 0 {
		t.Errorf("stats[processing] = %d (present %v), want explicit 0", v, ok)
	}
}

func TestEnqueue(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewQueueRepo(db)

	mock.ExpectExec(`INSERT INTO email_queue`).
		WithArgs(sqlmock.AnyArg(), "alice@example.com", "payment_receipt", []byte(`{"amount":19.99}`),
			"", "", "", "", "pending", 3).
		WillReturnResult(sqlmock.NewResult(1, 1))

	item := &domain.QueueItem{
		ToEmail:    "alice@example.com",
		Kind:       domain.KindPaymentReceipt,
		Metadata:   map[string]interface{}{"amount": 19.99},
		MaxRetries: 3,
	}
	id, err := repo.Enqueue(context.Background(), item)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if id == "" {
		t.Error("Enqueue() returned empty id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
