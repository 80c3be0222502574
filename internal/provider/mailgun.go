package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pulsefit/mailqueue/internal/config"
	"github.com/pulsefit/mailqueue/internal/domain"
	"github.com/pulsefit/mailqueue/internal/pkg/httpretry"
	"github.com/pulsefit/mailqueue/internal/pkg/logger"
)

// MailgunSender delivers email via the Mailgun Messages API. It is first
// in routing priority when configured: the HTTP API reports provider-side
// message IDs and declines synchronously, which the SMTP relay cannot.
type MailgunSender struct {
	apiKey  string
	domain  string
	baseURL string
	enabled bool
	client  httpretry.HTTPDoer
}

// NewMailgunSender creates a Mailgun sender targeting the configured domain.
// Requests go through a retrying HTTP client so transient 5xx/429 responses
// are absorbed before they count as a delivery failure.
func NewMailgunSender(cfg config.MailgunConfig) *MailgunSender {
	base := &http.Client{Timeout: cfg.Timeout()}
	return &MailgunSender{
		apiKey:  cfg.APIKey,
		domain:  cfg.Domain,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		enabled: cfg.Enabled,
		client:  httpretry.NewRetryClient(base, 2),
	}
}

// Name implements Sender.
func (s *MailgunSender) Name() string { return "mailgun" }

// Available implements Sender.
func (s *MailgunSender) Available() bool {
	return s.enabled && s.apiKey != "" && s.domain != ""
}

// Send delivers a single email through Mailgun.
func (s *MailgunSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("Mailgun API key not configured")
	}

	form := url.Values{}
	form.Add("from", fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail))
	form.Add("to", msg.To)
	form.Add("subject", msg.Subject)
	form.Add("html", msg.HTMLBody)
	if msg.TextBody != "" {
		form.Add("text", msg.TextBody)
	}
	if msg.ReplyTo != "" {
		form.Add("h:Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		form.Add("h:"+k, v)
	}
	form.Add("v:queue_item_id", msg.ID)
	form.Add("v:email_kind", string(msg.Kind))

	endpoint := fmt.Sprintf("%s/%s/messages", s.baseURL, s.domain)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return &domain.SendResult{
			Success:  false,
			Provider: "mailgun",
			Error:    fmt.Errorf("Mailgun error %d: %s", resp.StatusCode, string(body)),
		}, nil
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	json.Unmarshal(body, &result)
	messageID := strings.Trim(result.ID, "<>")
	log.Printf("[Mailgun] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)

	return &domain.SendResult{Success: true, MessageID: messageID, Provider: "mailgun", SentAt: time.Now()}, nil
}
