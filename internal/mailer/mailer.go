package mailer

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	From    string
}

// Mailer sends email. The email queue worker is the only caller; delivery
// failures surface through the queue's retry policy.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// logMailer records the send without talking to a mail provider. Template
// rendering and the actual provider integration live outside this service.
type logMailer struct{}

// NewLogMailer creates a mailer that only logs.
func NewLogMailer() Mailer {
	return &logMailer{}
}

func (m *logMailer) Send(ctx context.Context, msg Message) error {
	log.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Msg("Email sent (log only)")
	return nil
}
