// Package mailer defines the pluggable outbound-mail boundary. The specific
// provider (SMTP, SES, Mailgun, ...) is explicitly out of scope; this package
// only fixes the interface every composition root wires a concrete client to.
package mailer

import (
	"context"
	"log/slog"
)

// Reply is one outbound message sent in response to a processed task.
type Reply struct {
	TaskID    string
	InReplyTo string // the originating message id
	To        []string
	Subject   string
	Body      string
}

// Client is the pluggable outbound-mail boundary.
type Client interface {
	SendReply(ctx context.Context, r Reply) error
}

// NullClient logs and discards every reply, used wherever no concrete provider
// is configured. The composition root defaults to this so the pipeline runs
// end to end without a mail account.
type NullClient struct{}

func (NullClient) SendReply(ctx context.Context, r Reply) error {
	slog.InfoContext(ctx, "mail reply discarded, no client configured", "task_id", r.TaskID, "to", r.To, "subject", r.Subject)
	return nil
}
