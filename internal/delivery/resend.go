package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/resend/resend-go/v2"
)

// ResendBackend delivers email through the Resend API.
type ResendBackend struct {
	client *resend.Client
	from   string
}

// NewResendBackend reads api_key, from and an optional base_url.
func NewResendBackend(args Args) (*ResendBackend, error) {
	apiKey := args.Get("api_key", "")
	from := args.Get("from", "")
	if apiKey == "" || from == "" {
		return nil, errors.New("resend api_key and from are required")
	}
	client := resend.NewClient(apiKey)
	if raw := args.Get("base_url", ""); raw != "" {
		baseURL, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("resend base_url: %w", err)
		}
		client.BaseURL = baseURL
	}
	return &ResendBackend{client: client, from: from}, nil
}

func (b *ResendBackend) Send(ctx context.Context, message Message, recipient string) error {
	params := &resend.SendEmailRequest{
		From:    b.from,
		To:      []string{recipient},
		Subject: message.Subject,
		Html:    message.HTML,
		Text:    message.Text,
	}
	if _, err := b.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("resend email failed: %w", err)
	}
	return nil
}
