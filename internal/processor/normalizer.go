package processor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pulsefit/mailqueue/internal/config"
	"github.com/pulsefit/mailqueue/internal/domain"
)

// builderFunc maps one email kind's metadata into a provider-agnostic
// message. Builders apply a documented default for every optional field and
// never fail on missing metadata; structural checks (destination present,
// generic content present) happen before and inside Build.
type builderFunc func(n *Normalizer, item *domain.QueueItem) (*domain.EmailMessage, error)

// Normalizer turns a queue item into the EmailMessage handed to a provider
// adapter. One mapping per email kind, registered in kindBuilders; anything
// unrecognized falls through to the generic mapping which sends the item's
// pre-rendered subject and body verbatim.
type Normalizer struct {
	templates *TemplateEngine
	sender    config.SenderConfig
}

// NewNormalizer creates a payload normalizer with the platform's default
// sender identity.
func NewNormalizer(sender config.SenderConfig) *Normalizer {
	return &Normalizer{
		templates: NewTemplateEngine(),
		sender:    sender,
	}
}

var kindBuilders = map[domain.EmailKind]builderFunc{
	domain.KindBookingConfirmation: (*Normalizer).buildBookingConfirmation,
	domain.KindBookingReminder:     (*Normalizer).buildBookingReminder,
	domain.KindPaymentReceipt:      (*Normalizer).buildPaymentReceipt,
	domain.KindPaymentFailed:       (*Normalizer).buildPaymentFailed,
	domain.KindPartnerApproval:     (*Normalizer).buildPartnerApproval,
	domain.KindPartnerRejection:    (*Normalizer).buildPartnerRejection,
	domain.KindAdminAlert:          (*Normalizer).buildAdminAlert,
	domain.KindVerification:        (*Normalizer).buildVerification,
	domain.KindGeneric:             (*Normalizer).buildGeneric,
}

// Build maps the item into a send request. Fails only when a structurally
// required field is absent: the destination address for every kind, and
// subject-or-body for the generic mapping.
func (n *Normalizer) Build(item *domain.QueueItem) (*domain.EmailMessage, error) {
	if strings.TrimSpace(item.ToEmail) == "" {
		return nil, fmt.Errorf("queue item %s has no destination address", item.ID)
	}

	builder, ok := kindBuilders[item.Kind]
	if !ok {
		builder = (*Normalizer).buildGeneric
	}
	return builder(n, item)
}

// newMessage creates the message skeleton with the configured sender
// identity filled in.
func (n *Normalizer) newMessage(item *domain.QueueItem) *domain.EmailMessage {
	return &domain.EmailMessage{
		ID:        item.ID,
		To:        item.ToEmail,
		FromName:  n.sender.FromName,
		FromEmail: n.sender.FromEmail,
		ReplyTo:   n.sender.ReplyTo,
		Kind:      item.Kind,
	}
}

func (n *Normalizer) render(msg *domain.EmailMessage, subjectTpl, bodyTpl string, bindings map[string]interface{}) (*domain.EmailMessage, error) {
	subject, err := n.templates.Render(subjectTpl, bindings)
	if err != nil {
		return nil, fmt.Errorf("render subject for %s: %w", msg.Kind, err)
	}
	body, err := n.templates.Render(bodyTpl, bindings)
	if err != nil {
		return nil, fmt.Errorf("render body for %s: %w", msg.Kind, err)
	}
	msg.Subject = subject
	msg.HTMLBody = body
	return msg, nil
}

func (n *Normalizer) buildBookingConfirmation(item *domain.QueueItem) (*domain.EmailMessage, error) {
	b := map[string]interface{}{
		"customer_name": metaString(item, "customer_name", localPart(item.ToEmail)),
		"class_name":    metaString(item, "class_name", "your session"),
		"venue_name":    metaString(item, "venue_name", "the studio"),
		"booking_date":  metaTime(item, "booking_date", time.Now()),
		"booking_id":    metaString(item, "booking_id", ""),
	}
	return n.render(n.newMessage(item), tplBookingConfirmationSubject, tplBookingConfirmationBody, b)
}

func (n *Normalizer) buildBookingReminder(item *domain.QueueItem) (*domain.EmailMessage, error) {
	b := map[string]interface{}{
		"customer_name": metaString(item, "customer_name", localPart(item.ToEmail)),
		"class_name":    metaString(item, "class_name", "your session"),
		"venue_name":    metaString(item, "venue_name", "the studio"),
		"booking_date":  metaTime(item, "booking_date", time.Now()),
	}
	return n.render(n.newMessage(item), tplBookingReminderSubject, tplBookingReminderBody, b)
}

func (n *Normalizer) buildPaymentReceipt(item *domain.QueueItem) (*domain.EmailMessage, error) {
	b := map[string]interface{}{
		"customer_name": metaString(item, "customer_name", localPart(item.ToEmail)),
		"amount":        metaFloat(item, "amount", 0),
		"currency":      metaString(item, "currency", "USD"),
		"description":   metaString(item, "description", "your purchase"),
		"receipt_id":    metaString(item, "receipt_id", ""),
		"payment_date":  metaTime(item, "payment_date", time.Now()),
	}
	return n.render(n.newMessage(item), tplPaymentReceiptSubject, tplPaymentReceiptBody, b)
}

func (n *Normalizer) buildPaymentFailed(item *domain.QueueItem) (*domain.EmailMessage, error) {
	b := map[string]interface{}{
		"customer_name": metaString(item, "customer_name", localPart(item.ToEmail)),
		"amount":        metaFloat(item, "amount", 0),
		"currency":      metaString(item, "currency", "USD"),
		"reason":        metaString(item, "reason", "the payment was declined"),
	}
	return n.render(n.newMessage(item), tplPaymentFailedSubject, tplPaymentFailedBody, b)
}

func (n *Normalizer) buildPartnerApproval(item *domain.QueueItem) (*domain.EmailMessage, error) {
	b := map[string]interface{}{
		"partner_name": metaString(item, "partner_name", localPart(item.ToEmail)),
		"venue_name":   metaString(item, "venue_name", "your venue"),
	}
	return n.render(n.newMessage(item), tplPartnerApprovalSubject, tplPartnerApprovalBody, b)
}

func (n *Normalizer) buildPartnerRejection(item *domain.QueueItem) (*domain.EmailMessage, error) {
	b := map[string]interface{}{
		"partner_name": metaString(item, "partner_name", localPart(item.ToEmail)),
		"venue_name":   metaString(item, "venue_name", "your venue"),
		"reason":       metaString(item, "reason", "it does not meet our current listing requirements"),
	}
	return n.render(n.newMessage(item), tplPartnerRejectionSubject, tplPartnerRejectionBody, b)
}

func (n *Normalizer) buildAdminAlert(item *domain.QueueItem) (*domain.EmailMessage, error) {
	b := map[string]interface{}{
		"alert_title": metaString(item, "alert_title", "System alert"),
		"message":     metaString(item, "message", "No details provided."),
		"severity":    metaString(item, "severity", "info"),
		"occurred_at": metaTime(item, "occurred_at", time.Now()),
	}
	return n.render(n.newMessage(item), tplAdminAlertSubject, tplAdminAlertBody, b)
}

func (n *Normalizer) buildVerification(item *domain.QueueItem) (*domain.EmailMessage, error) {
	b := map[string]interface{}{
		"customer_name":    metaString(item, "customer_name", localPart(item.ToEmail)),
		"verification_url": metaString(item, "verification_url", ""),
		"code":             metaString(item, "code", ""),
	}
	return n.render(n.newMessage(item), tplVerificationSubject, tplVerificationBody, b)
}

// buildGeneric sends the item's pre-rendered content verbatim. Used for
// kind "generic" and for any unrecognized kind.
func (n *Normalizer) buildGeneric(item *domain.QueueItem) (*domain.EmailMessage, error) {
	if item.Subject == "" && item.HTMLBody == "" {
		return nil, fmt.Errorf("queue item %s: kind %q has no template and no pre-rendered content", item.ID, item.Kind)
	}
	msg := n.newMessage(item)
	msg.Subject = item.Subject
	msg.HTMLBody = item.HTMLBody
	msg.TextBody = item.TextBody
	return msg, nil
}

// localPart returns the part of an address before the '@', used as the
// fallback customer name.
func localPart(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}

func metaString(item *domain.QueueItem, key, def string) string {
	if v, ok := item.Metadata[key]; ok && v != nil {
		if s := strings.TrimSpace(fmt.Sprintf("%v", v)); s != "" {
			return s
		}
	}
	return def
}

func metaFloat(item *domain.QueueItem, key string, def float64) float64 {
	v, ok := item.Metadata[key]
	if !ok || v == nil {
		return def
	}
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	case int:
		return float64(f)
	case int64:
		return float64(f)
	case string:
		if parsed, err := strconv.ParseFloat(f, 64); err == nil {
			return parsed
		}
	}
	return def
}

func metaTime(item *domain.QueueItem, key string, def time.Time) time.Time {
	v, ok := item.Metadata[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return def
}
