// Package notify delivers the messages automation rules send to an
// entity's contact.
package notify

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/iago/crm-automation/internal/domain"
)

var (
	ErrUnsupportedChannel = errors.New("unsupported message channel")
	ErrMissingRecipient   = errors.New("contact has no address for channel")
	ErrInvalidRecipient   = errors.New("invalid recipient address")
)

// Message is a rule payload addressed to one contact.
type Message struct {
	CompanyID   int64
	Entity      domain.EntityRef
	Channel     domain.Channel
	Recipient   domain.Contact
	Subject     string
	Body        string
	Attachments []string
}

type Notifier interface {
	SendMessage(ctx context.Context, message Message) error
}

// Router dispatches each message to the notifier registered for its channel.
type Router struct {
	routes map[domain.Channel]Notifier
}

func NewRouter(routes map[domain.Channel]Notifier) *Router {
	copied := make(map[domain.Channel]Notifier, len(routes))
	for channel, notifier := range routes {
		if notifier != nil {
			copied[channel] = notifier
		}
	}
	return &Router{routes: copied}
}

func (r *Router) SendMessage(ctx context.Context, message Message) error {
	notifier, ok := r.routes[message.Channel]
	if !ok {
		return errors.Wrapf(ErrUnsupportedChannel, "channel %q", message.Channel)
	}
	return notifier.SendMessage(ctx, message)
}

// Throttled caps the outbound send rate shared by every channel.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
}

func NewThrottled(next Notifier, rps float64, burst int) *Throttled {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (t *Throttled) SendMessage(ctx context.Context, message Message) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "wait for send slot")
	}
	return t.next.SendMessage(ctx, message)
}
