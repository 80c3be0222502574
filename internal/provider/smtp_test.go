package provider

import (
	"strings"
	"testing"

	"github.com/pulsefit/mailqueue/internal/config"
	"github.com/pulsefit/mailqueue/internal/domain"
)

func TestBuildMIME(t *testing.T) {
	msg := &domain.EmailMessage{
		To:        "alice@example.com",
		FromName:  "PulseFit",
		FromEmail: "no-reply@pulsefit.app",
		ReplyTo:   "support@pulsefit.app",
		Subject:   "Booking confirmed",
		HTMLBody:  "<p>See you there</p>",
		TextBody:  "See you there",
		Headers:   map[string]string{"X-Campaign": "bookings"},
	}

	raw := string(buildMIME(msg, "abc123@pulsefit"))

	wantLines := []string{
		"From: PulseFit <no-reply@pulsefit.app>\r\n",
		"To: alice@example.com\r\n",
		"Subject: Booking confirmed\r\n",
		"Message-ID: <abc123@pulsefit>\r\n",
		"Reply-To: support@pulsefit.app\r\n",
		"X-Campaign: bookings\r\n",
		"Content-Type: multipart/alternative;",
		"Content-Type: text/plain; charset=UTF-8\r\n",
		"Content-Type: text/html; charset=UTF-8\r\n",
		"<p>See you there</p>",
	}
	for _, w := range wantLines {
		if !strings.Contains(raw, w) {
			t.Errorf("MIME message missing %q", w)
		}
	}

	// Headers must come before the empty line separating the body.
	headerEnd := strings.Index(raw, "\r\n\r\n")
	if headerEnd < 0 {
		t.Fatal("no header/body separator")
	}
	if strings.Index(raw, "Message-ID:") > headerEnd {
		t.Error("Message-ID should be in the header section")
	}
}

func TestBuildMIME_HTMLOnly(t *testing.T) {
	msg := &domain.EmailMessage{
		To:        "bob@example.com",
		FromEmail: "no-reply@pulsefit.app",
		Subject:   "Hi",
		HTMLBody:  "<p>Hi</p>",
	}
	raw := string(buildMIME(msg, "id@pulsefit"))
	if strings.Contains(raw, "text/plain") {
		t.Error("message without a text body should not carry a text/plain part")
	}
	if !strings.Contains(raw, "text/html") {
		t.Error("message should carry the html part")
	}
}

func TestSMTPAvailable(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SMTPConfig
		want bool
	}{
		{"configured", config.SMTPConfig{Host: "relay.internal", Port: 587, Enabled: true}, true},
		{"disabled", config.SMTPConfig{Host: "relay.internal", Port: 587}, false},
		{"no host", config.SMTPConfig{Port: 587, Enabled: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewSMTPSender(tt.cfg).Available(); got != tt.want {
				t.Errorf("Available() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRelayPlainAuth(t *testing.T) {
	a := &relayPlainAuth{user: "queue", pass: "secret"}
	proto, resp, err := a.Start(nil)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if proto != "PLAIN" {
		t.Errorf("proto = %q", proto)
	}
	if string(resp) != "\x00queue\x00secret" {
		t.Errorf("initial response = %q", resp)
	}
}
