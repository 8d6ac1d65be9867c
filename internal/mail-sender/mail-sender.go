package mailSender

import (
	"context"
	"fmt"

	"magiclink/internal/models"

	"gopkg.in/gomail.v2"
)

type Mailer struct {
	Host     string
	Port     int
	Username string
	Password string
	// From defaults to Username.
	From string
}

// * Send delivers a plaintext mail with an optional HTML alternative.
func (m *Mailer) Send(to, subject, text, html string) error {
	const op = "mailSender.Send"

	dialer := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	if err := dialer.DialAndSend(m.newMessage(to, subject, text, html)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// * SendMessage lets the mailer act as the notifier when no queue is configured.
func (m *Mailer) SendMessage(ctx context.Context, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return m.Send(msg.Email, msg.Subject, msg.Text, msg.HTML)
}

func (m *Mailer) newMessage(to, subject, text, html string) *gomail.Message {
	from := m.From
	if from == "" {
		from = m.Username
	}

	msg := gomail.NewMessage()
	msg.SetHeader("To", to)
	msg.SetHeader("From", from)
	msg.SetHeader("Subject", subject)

	msg.SetBody("text/plain", text)
	if html != "" {
		msg.AddAlternative("text/html", html)
	}

	return msg
}
