package service

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"channelverify/internal/delivery"
	"channelverify/internal/entity"
)

const (
	phoneMessageFormat = "Your mobile verification code is %s."
	emailSubject       = "Verify Email Address"
	emailTextFormat    = "Please confirm your email address by clicking the link below.\n\n%s"
)

var emailTemplate = template.Must(template.New("verify_email").Parse(`<!DOCTYPE html>
<html>
<body>
<p>Please confirm your email address by clicking the link below.</p>
<p><a href="{{.Link}}">Verify Email Address</a></p>
<p>If you did not request this, you can ignore this email.</p>
</body>
</html>`))

func (s *VerificationService) composeMessage(channel entity.ChannelKind, token string) (delivery.Message, error) {
	switch channel {
	case entity.ChannelPhone:
		return delivery.Message{Text: fmt.Sprintf(phoneMessageFormat, token)}, nil
	case entity.ChannelEmail:
		link := s.buildURL(token)
		var html bytes.Buffer
		if err := emailTemplate.Execute(&html, struct{ Link string }{Link: link}); err != nil {
			return delivery.Message{}, err
		}
		return delivery.Message{
			Subject: emailSubject,
			Text:    fmt.Sprintf(emailTextFormat, link),
			HTML:    html.String(),
		}, nil
	default:
		return delivery.Message{}, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, channel)
	}
}

func (s *VerificationService) buildURL(token string) string {
	base := strings.TrimRight(s.config.AppBaseURL, "/")
	if base == "" {
		return token
	}
	path := s.config.EmailVerifyPath
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s%s?token=%s", base, path, url.QueryEscape(token))
}
