package domain

import "time"

// QueueStatus is the lifecycle state of a queued email.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusSent       QueueStatus = "sent"
	StatusFailed     QueueStatus = "failed"
)

// EmailKind categorizes a queued email and selects the payload mapping
// used to build the provider request.
type EmailKind string

const (
	KindBookingConfirmation EmailKind = "booking_confirmation"
	KindBookingReminder     EmailKind = "booking_reminder"
	KindPaymentReceipt      EmailKind = "payment_receipt"
	KindPaymentFailed       EmailKind = "payment_failed"
	KindPartnerApproval     EmailKind = "partner_approval"
	KindPartnerRejection    EmailKind = "partner_rejection"
	KindAdminAlert          EmailKind = "admin_alert"
	KindVerification        EmailKind = "verification"
	KindGeneric             EmailKind = "generic"
)

// QueueItem is one outbound email obligation persisted in the email_queue
// table. The batch processor is the only writer of Status, RetryCount,
// NextRetryAt, ProviderMessageID, and ErrorMessage; enqueuing callers only
// ever create new items or read stats.
type QueueItem struct {
	ID                string                 `json:"id" db:"id"`
	ToEmail           string                 `json:"to_email" db:"to_email"`
	Kind              EmailKind              `json:"kind" db:"kind"`
	Metadata          map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	Subject           string                 `json:"subject,omitempty" db:"subject"`
	HTMLBody          string                 `json:"html_body,omitempty" db:"html_body"`
	TextBody          string                 `json:"text_body,omitempty" db:"text_body"`
	PreferredProvider string                 `json:"preferred_provider,omitempty" db:"preferred_provider"`
	Status            QueueStatus            `json:"status" db:"status"`
	RetryCount        int                    `json:"retry_count" db:"retry_count"`
	MaxRetries        int                    `json:"max_retries" db:"max_retries"`
	NextRetryAt       *time.Time             `json:"next_retry_at,omitempty" db:"next_retry_at"`
	Provider          string                 `json:"provider,omitempty" db:"provider"`
	ProviderMessageID string                 `json:"provider_message_id,omitempty" db:"provider_message_id"`
	ErrorMessage      string                 `json:"error_message,omitempty" db:"error_message"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at" db:"updated_at"`
}

// EmailMessage is the provider-agnostic send request produced by the payload
// normalizer. By the time a message reaches this struct, all metadata
// extraction, defaulting, and template rendering is complete; each provider
// adapter does its own transport-specific shaping.
type EmailMessage struct {
	ID        string            `json:"id"`
	To        string            `json:"to"`
	FromName  string            `json:"from_name"`
	FromEmail string            `json:"from_email"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Subject   string            `json:"subject"`
	HTMLBody  string            `json:"html_body"`
	TextBody  string            `json:"text_body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Kind      EmailKind         `json:"kind"`
}

// SendResult is the canonical delivery outcome every provider adapter
// collapses its wire response into.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Provider  string    `json:"provider"`
	SentAt    time.Time `json:"sent_at"`
	Error     error     `json:"-"`
}
