package notify

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/nyaruka/phonenumbers"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/logging"
)

// SMSProvider hands a normalized message to a carrier gateway.
type SMSProvider interface {
	SendSMS(ctx context.Context, from, to, body string) error
}

// LogSMSProvider records messages instead of sending them.
type LogSMSProvider struct {
	logger *zap.SugaredLogger
}

func NewLogSMSProvider(logger *zap.SugaredLogger) *LogSMSProvider {
	return &LogSMSProvider{logger: logging.Component(logger, "sms_log")}
}

func (p *LogSMSProvider) SendSMS(_ context.Context, from, to, body string) error {
	p.logger.Infow("sms not sent (log provider)", "from", from, "to", RedactPhone(to), "length", len(body))
	return nil
}

type SMSNotifier struct {
	from          string
	defaultRegion string
	provider      SMSProvider
	logger        *zap.SugaredLogger
}

func NewSMSNotifier(from, defaultRegion string, provider SMSProvider, logger *zap.SugaredLogger) *SMSNotifier {
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	if provider == nil {
		provider = NewLogSMSProvider(logger)
	}
	return &SMSNotifier{
		from:          from,
		defaultRegion: strings.ToUpper(defaultRegion),
		provider:      provider,
		logger:        logging.Component(logger, "sms"),
	}
}

func (n *SMSNotifier) SendMessage(ctx context.Context, message Message) error {
	raw := strings.TrimSpace(message.Recipient.Phone)
	if raw == "" {
		return errors.Wrapf(ErrMissingRecipient, "phone for %s", message.Entity)
	}
	to, err := NormalizePhone(raw, n.defaultRegion)
	if err != nil {
		return err
	}
	if err := n.provider.SendSMS(ctx, n.from, to, message.Body); err != nil {
		return errors.Wrap(err, "send sms")
	}
	return nil
}

// NormalizePhone parses a number in the given default region and formats it
// as E.164.
func NormalizePhone(raw, region string) (string, error) {
	parsed, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidRecipient, "parse %q: %v", raw, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", errors.Wrapf(ErrInvalidRecipient, "%q is not a valid number", raw)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
