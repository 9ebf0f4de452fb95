package mailer

import (
	"context"

	"github.com/outboundhq/sequence-engine/internal/domain"
)

// Email is one outbound message, already rendered.
type Email struct {
	To      string
	Subject string
	Body    string
	// Headers carries extra headers such as List-Unsubscribe.
	Headers map[string]string
}

// Receipt stores delivery metadata for audit and persistence.
type Receipt struct {
	MessageID string
}

// Transport is the outbound email delivery port. Implementations dial the
// account's own SMTP credentials per send.
type Transport interface {
	Send(ctx context.Context, account domain.SendingAccount, email Email) (*Receipt, error)
}
