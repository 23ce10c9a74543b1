package notify

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/logging"
)

// mailSender returns the provider's HTTP status and body.
type mailSender func(ctx context.Context, message *mail.SGMailV3) (int, string, error)

// EmailNotifier sends e-mail through SendGrid. Without an API key it only
// logs the message, which is what local development wants.
type EmailNotifier struct {
	fromEmail string
	fromName  string
	send      mailSender
	logger    *zap.SugaredLogger
}

func NewEmailNotifier(fromEmail, fromName, sendGridAPIKey string, logger *zap.SugaredLogger) *EmailNotifier {
	notifier := &EmailNotifier{
		fromEmail: fromEmail,
		fromName:  fromName,
		logger:    logging.Component(logger, "email"),
	}
	if sendGridAPIKey == "" {
		notifier.logger.Warnw("email notifier in console-only mode; set SENDGRID_API_KEY to deliver")
		return notifier
	}

	client := sendgrid.NewSendClient(sendGridAPIKey)
	notifier.send = func(ctx context.Context, message *mail.SGMailV3) (int, string, error) {
		response, err := client.SendWithContext(ctx, message)
		if err != nil {
			return 0, "", err
		}
		return response.StatusCode, response.Body, nil
	}
	return notifier
}

func (n *EmailNotifier) SendMessage(ctx context.Context, message Message) error {
	toEmail := strings.TrimSpace(message.Recipient.Email)
	if toEmail == "" {
		return errors.Wrapf(ErrMissingRecipient, "email for %s", message.Entity)
	}

	plainText := withAttachmentLinks(message.Body, message.Attachments)
	if n.send == nil {
		n.logger.Infow("email not sent (console mode)",
			logging.FieldCompanyID, message.CompanyID,
			logging.FieldEntityKind, message.Entity.Kind,
			logging.FieldEntityID, message.Entity.ID,
			"to", RedactEmail(toEmail),
			"subject", message.Subject,
		)
		return nil
	}

	from := mail.NewEmail(n.fromName, n.fromEmail)
	to := mail.NewEmail(message.Recipient.Name, toEmail)
	payload := mail.NewV3MailInit(from, message.Subject, to, mail.NewContent("text/plain", plainText))

	status, body, err := n.send(ctx, payload)
	if err != nil {
		return errors.Wrap(err, "send email")
	}
	if status >= 400 {
		return errors.Newf("sendgrid returned status %d: %s", status, Redact(body))
	}
	n.logger.Infow("email sent",
		logging.FieldCompanyID, message.CompanyID,
		logging.FieldEntityKind, message.Entity.Kind,
		logging.FieldEntityID, message.Entity.ID,
		"status", status,
	)
	return nil
}

func withAttachmentLinks(body string, attachments []string) string {
	if len(attachments) == 0 {
		return body
	}
	var builder strings.Builder
	builder.WriteString(body)
	builder.WriteString("\n\nAttachments:\n")
	for _, attachment := range attachments {
		builder.WriteString("- ")
		builder.WriteString(attachment)
		builder.WriteString("\n")
	}
	return builder.String()
}
