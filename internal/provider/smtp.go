package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"time"

	"github.com/google/uuid"
	"github.com/pulsefit/mailqueue/internal/config"
	"github.com/pulsefit/mailqueue/internal/domain"
	"github.com/pulsefit/mailqueue/internal/pkg/logger"
)

// SMTPSender delivers email through a direct SMTP relay inside the
// platform's network. It carries transactional mail whenever the HTTP API
// providers are not configured or not available.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	enabled  bool
}

// NewSMTPSender creates an SMTP sender from config.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		enabled:  cfg.Enabled,
	}
}

// Name implements Sender.
func (s *SMTPSender) Name() string { return "smtp" }

// Available implements Sender.
func (s *SMTPSender) Available() bool { return s.enabled && s.host != "" }

// Send delivers a single email over SMTP, building a multipart/alternative
// MIME message from the normalized request.
func (s *SMTPSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.host == "" {
		return nil, fmt.Errorf("SMTP host not configured")
	}

	messageID := fmt.Sprintf("%s@pulsefit", uuid.New().String())
	raw := buildMIME(msg, messageID)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	if err := s.sendSMTP(ctx, addr, msg.FromEmail, msg.To, raw); err != nil {
		return &domain.SendResult{Success: false, Provider: "smtp", Error: err}, nil
	}

	log.Printf("[SMTP] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)
	return &domain.SendResult{Success: true, MessageID: messageID, Provider: "smtp", SentAt: time.Now()}, nil
}

// buildMIME assembles the RFC 2045 multipart/alternative message body.
func buildMIME(msg *domain.EmailMessage, messageID string) []byte {
	var headerBuf bytes.Buffer
	headerBuf.WriteString(fmt.Sprintf("From: %s <%s>\r\n", msg.FromName, msg.FromEmail))
	headerBuf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	headerBuf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	headerBuf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))
	headerBuf.WriteString("MIME-Version: 1.0\r\n")

	if msg.ReplyTo != "" {
		headerBuf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", msg.ReplyTo))
	}
	for k, v := range msg.Headers {
		headerBuf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}

	boundary := fmt.Sprintf("=_%s", uuid.New().String()[:16])
	headerBuf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
	headerBuf.WriteString("\r\n")

	var bodyBuf bytes.Buffer
	if msg.TextBody != "" {
		bodyBuf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		bodyBuf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		bodyBuf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		bodyBuf.WriteString(msg.TextBody)
		bodyBuf.WriteString("\r\n")
	}
	bodyBuf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	bodyBuf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	bodyBuf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	bodyBuf.WriteString(msg.HTMLBody)
	bodyBuf.WriteString("\r\n")
	bodyBuf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))

	return append(headerBuf.Bytes(), bodyBuf.Bytes()...)
}

// sendSMTP performs the raw SMTP transaction with the relay.
// If AUTH fails (common when the relay has no inbound TLS), it reconnects
// without AUTH since internal relays are typically open.
func (s *SMTPSender) sendSMTP(ctx context.Context, addr, from, to string, msg []byte) error {
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	dialAndSetup := func(tryAuth bool) (*smtp.Client, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("SMTP connect to %s: %w", addr, err)
		}
		c, err := smtp.NewClient(conn, s.host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("SMTP client: %w", err)
		}
		if ok, _ := c.Extension("STARTTLS"); ok {
			tlsCfg := &tls.Config{ServerName: s.host}
			if tlsErr := c.StartTLS(tlsCfg); tlsErr != nil {
				log.Printf("[SMTP] STARTTLS failed (continuing without TLS): %v", tlsErr)
			}
		}
		if tryAuth && s.username != "" && s.password != "" {
			if authErr := c.Auth(&relayPlainAuth{user: s.username, pass: s.password}); authErr != nil {
				log.Printf("[SMTP] AUTH failed: %v", authErr)
				c.Close()
				return nil, authErr
			}
		}
		return c, nil
	}

	client, err := dialAndSetup(s.username != "" && s.password != "")
	if err != nil && s.username != "" && s.password != "" {
		log.Printf("[SMTP] Retrying without AUTH (relay may be open)")
		client, err = dialAndSetup(false)
	}
	if err != nil {
		return fmt.Errorf("SMTP setup: %w", err)
	}
	defer client.Close()

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return client.Quit()
}

// relayPlainAuth implements smtp.Auth without the TLS requirement that
// stdlib's PlainAuth enforces. Relays on private networks typically do not
// use TLS on the submission port.
type relayPlainAuth struct {
	user, pass string
}

func (a *relayPlainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	resp := []byte("\x00" + a.user + "\x00" + a.pass)
	return "PLAIN", resp, nil
}

func (a *relayPlainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}
