package services

import (
	"context"

	"mailflow/pkg/mailer"
)

// MailerSender sends email through the HTTP mail API client.
type MailerSender struct {
	Client *mailer.Client
}

func (s MailerSender) Send(ctx context.Context, msg OutgoingEmail) (string, error) {
	resp, err := s.Client.Send(ctx, &mailer.SendRequest{
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.Body,
		Tags:    map[string]string{"template_type": msg.TemplateType},
	})
	if err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

var (
	_ EmailSender = LogSender{}
	_ EmailSender = MailerSender{}
)
