package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gopkg.in/gomail.v2"
)

// SMTPBackend delivers email through an SMTP relay.
type SMTPBackend struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPBackend reads host, port, username, password and from.
func NewSMTPBackend(args Args) (*SMTPBackend, error) {
	host := args.Get("host", "")
	from := args.Get("from", "")
	if host == "" || from == "" {
		return nil, errors.New("smtp host and from are required")
	}
	port, err := strconv.Atoi(args.Get("port", "587"))
	if err != nil {
		return nil, fmt.Errorf("smtp port: %w", err)
	}
	return &SMTPBackend{
		dialer: gomail.NewDialer(host, port, args.Get("username", ""), args.Get("password", "")),
		from:   from,
	}, nil
}

func (b *SMTPBackend) Send(ctx context.Context, message Message, recipient string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", b.from)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", message.Subject)
	m.SetBody("text/plain", message.Text)
	if message.HTML != "" {
		m.AddAlternative("text/html", message.HTML)
	}

	if err := runWithContext(ctx, func() error { return b.dialer.DialAndSend(m) }); err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}
	return nil
}
