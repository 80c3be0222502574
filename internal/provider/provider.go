// Package provider contains the outbound email delivery adapters.
//
// Adapters are split into individual files:
//   - smtp.go:    direct SMTP relay (primary channel)
//   - mailgun.go: Mailgun Messages API (secondary channel)
//   - ses.go:     AWS SES v2
//
// Every adapter collapses its wire response into a domain.SendResult, so the
// batch processor never branches on a concrete provider beyond the selection
// policy in Selector.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulsefit/mailqueue/internal/domain"
)

// ErrNoProvider is returned when no configured provider can take a message.
var ErrNoProvider = errors.New("no email provider available")

// Sender is the uniform delivery capability every provider adapter exposes.
type Sender interface {
	// Name identifies the provider for preferred_provider matching and
	// result attribution.
	Name() string
	// Available reports whether the adapter is configured well enough to
	// attempt a send.
	Available() bool
	// Send attempts delivery. A nil error with result.Success == false is a
	// provider-reported decline; a non-nil error is a transport failure.
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// Selector picks a sender for each queue item. Senders are tried in the
// priority order they were registered with; new providers plug in without
// touching the batch processor.
type Selector struct {
	senders []Sender
}

// NewSelector creates a selector over the given senders. Nil entries are
// dropped so callers can pass conditionally-constructed adapters directly.
func NewSelector(senders ...Sender) *Selector {
	s := &Selector{}
	for _, sn := range senders {
		if sn != nil {
			s.senders = append(s.senders, sn)
		}
	}
	return s
}

// Pick resolves the sender for an item. A preferred provider name is honored
// when that provider is configured and available; otherwise the first
// available sender in priority order wins.
func (s *Selector) Pick(preferred string) (Sender, error) {
	if preferred != "" {
		for _, sn := range s.senders {
			if sn.Name() == preferred && sn.Available() {
				return sn, nil
			}
		}
		// Preferred provider unusable: fall through to priority routing so
		// a stale preference never strands an item.
	}
	for _, sn := range s.senders {
		if sn.Available() {
			return sn, nil
		}
	}
	if preferred != "" {
		return nil, fmt.Errorf("%w (preferred %q not configured)", ErrNoProvider, preferred)
	}
	return nil, ErrNoProvider
}

// Names returns the registered provider names in priority order.
func (s *Selector) Names() []string {
	names := make([]string, 0, len(s.senders))
	for _, sn := range s.senders {
		names = append(names, sn.Name())
	}
	return names
}
