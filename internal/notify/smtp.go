package notify

import (
	"context"
	"html"
	"strings"
	"time"

	"server-health/internal/config"
	"server-health/internal/messages"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
)

const smtpTimeout = 30 * time.Second

// Mailer sends messages through the SMTP server named in the mail config.
type Mailer struct {
	log logrus.FieldLogger
}

func NewMailer() *Mailer {
	return &Mailer{log: logrus.WithField(trace.Component, "mailer")}
}

func (m *Mailer) Notify(ctx context.Context, cfg config.MailConfig, msg messages.Message, recipients []string) error {
	if len(recipients) == 0 {
		m.log.WithField("subject", msg.Subject).Debug("No recipients, skip mail.")
		return nil
	}

	mm, err := buildMessage(cfg, msg, recipients)
	if err != nil {
		return trace.Wrap(err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	m.log.WithField("recipients", len(recipients)).Infof("Send mail %q.", msg.Subject)
	if err := client.DialAndSendWithContext(ctx, mm); err != nil {
		return trace.ConnectionProblem(err, "send mail via %v:%d", cfg.SMTPURL, cfg.Port)
	}
	return nil
}

func buildMessage(cfg config.MailConfig, msg messages.Message, recipients []string) (*mail.Msg, error) {
	mm := mail.NewMsg()
	if err := mm.From(cfg.MailAddress); err != nil {
		return nil, trace.BadParameter("invalid sender %q: %v", cfg.MailAddress, err)
	}
	if err := mm.To(recipients...); err != nil {
		return nil, trace.BadParameter("invalid recipients %v: %v", recipients, err)
	}
	mm.Subject(msg.Subject)
	mm.SetBodyString(mail.TypeTextPlain, msg.Body)
	mm.AddAlternativeString(mail.TypeTextHTML, htmlBody(msg.Body))
	return mm, nil
}

func htmlBody(body string) string {
	escaped := html.EscapeString(body)
	return "<p>" + strings.ReplaceAll(escaped, "\n", "<br>\n") + "</p>"
}

// implicitTLS reports whether port expects TLS from the first byte (SMTPS).
// Other ports upgrade with STARTTLS when the server offers it.
func implicitTLS(port int) bool {
	return port == 465
}

func newClient(cfg config.MailConfig) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(smtpTimeout),
	}
	if implicitTLS(cfg.Port) {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.UserName != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.UserName),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.SMTPURL, opts...)
	if err != nil {
		return nil, trace.BadParameter("smtp client for %v: %v", cfg.SMTPURL, err)
	}
	return client, nil
}
