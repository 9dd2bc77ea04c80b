// Package notify delivers rendered messages over SMTP and, optionally, Telegram.
package notify

import (
	"context"

	"server-health/internal/config"
	"server-health/internal/messages"

	"github.com/gravitational/trace"
)

// Notifier delivers one message to a list of recipients.
type Notifier interface {
	Notify(ctx context.Context, mail config.MailConfig, msg messages.Message, recipients []string) error
}

// Multi delivers to every channel and aggregates the failures.
// A failing channel does not stop the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, mail config.MailConfig, msg messages.Message, recipients []string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, mail, msg, recipients); err != nil {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}
