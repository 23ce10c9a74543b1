package domain

import (
	"encoding/json"
	"slices"

	"github.com/cockroachdb/errors"
)

var ErrUnknownRuleDomain = errors.New("unknown rule domain")

type RuleDomain string

const (
	DomainPipeline      RuleDomain = "pipeline"
	DomainCommunication RuleDomain = "communication"
	DomainInvoice       RuleDomain = "invoice"
	DomainService       RuleDomain = "service"
	DomainTag           RuleDomain = "tag"
)

// AllDomains lists every rule domain in lookup order.
var AllDomains = []RuleDomain{
	DomainPipeline,
	DomainCommunication,
	DomainInvoice,
	DomainService,
	DomainTag,
}

func (d RuleDomain) Valid() bool {
	return slices.Contains(AllDomains, d)
}

// DelayInstant marks a rule that fires as soon as it is scheduled.
const DelayInstant int64 = 0

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// RuleRef points at exactly one rule of one domain.
type RuleRef struct {
	Domain RuleDomain `json:"domain"`
	ID     int64      `json:"id"`
}

// RuleBase holds the fields every automation domain shares.
type RuleBase struct {
	ID                 int64  `json:"id"`
	CompanyID          int64  `json:"company_id"`
	Title              string `json:"title,omitempty"`
	TargetColumnID     *int64 `json:"target_column_id,omitempty"`
	DelaySeconds       int64  `json:"delay_seconds"`
	IsPaused           bool   `json:"is_paused"`
	RespectWeekdays    bool   `json:"respect_weekdays"`
	RespectOfficeHours bool   `json:"respect_office_hours"`
}

// Message is the communication payload a rule sends when it fires.
type Message struct {
	Channel     Channel  `json:"channel"`
	Subject     string   `json:"subject,omitempty"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
}

// Rule is the closed set of automation rule variants. The unexported marker
// keeps new domains a compile-time addition to this package.
type Rule interface {
	Base() *RuleBase
	Domain() RuleDomain
	isRule()
}

type PipelineRule struct {
	RuleBase
	SourceColumns []int64  `json:"source_columns"`
	Message       *Message `json:"message,omitempty"`
}

type CommunicationRule struct {
	RuleBase
	SourceColumns []int64 `json:"source_columns"`
	Message       Message `json:"message"`
}

type InvoiceRule struct {
	RuleBase
	Statuses []string `json:"statuses"`
	Message  Message  `json:"message"`
}

type ServiceRule struct {
	RuleBase
	ServiceIDs []int64 `json:"service_ids"`
	Message    Message `json:"message"`
}

type TagRule struct {
	RuleBase
	SourceColumns []int64 `json:"source_columns"`
	TagID         int64   `json:"tag_id"`
}

func (r *PipelineRule) Base() *RuleBase      { return &r.RuleBase }
func (r *CommunicationRule) Base() *RuleBase { return &r.RuleBase }
func (r *InvoiceRule) Base() *RuleBase       { return &r.RuleBase }
func (r *ServiceRule) Base() *RuleBase       { return &r.RuleBase }
func (r *TagRule) Base() *RuleBase           { return &r.RuleBase }

func (*PipelineRule) Domain() RuleDomain      { return DomainPipeline }
func (*CommunicationRule) Domain() RuleDomain { return DomainCommunication }
func (*InvoiceRule) Domain() RuleDomain       { return DomainInvoice }
func (*ServiceRule) Domain() RuleDomain       { return DomainService }
func (*TagRule) Domain() RuleDomain           { return DomainTag }

func (*PipelineRule) isRule()      {}
func (*CommunicationRule) isRule() {}
func (*InvoiceRule) isRule()       {}
func (*ServiceRule) isRule()       {}
func (*TagRule) isRule()           {}

// Ref returns the ledger reference of a rule.
func Ref(rule Rule) RuleRef {
	return RuleRef{Domain: rule.Domain(), ID: rule.Base().ID}
}

// HasTarget reports whether firing the rule moves the entity.
func HasTarget(rule Rule) bool {
	return rule.Base().TargetColumnID != nil
}

// HasRestrictions reports whether the calendar policy applies to the rule.
func HasRestrictions(rule Rule) bool {
	base := rule.Base()
	return base.RespectWeekdays || base.RespectOfficeHours
}

// RuleVisitor receives the concrete variant of a rule. MatchRule calls
// exactly one of its methods.
type RuleVisitor struct {
	Pipeline      func(*PipelineRule) error
	Communication func(*CommunicationRule) error
	Invoice       func(*InvoiceRule) error
	Service       func(*ServiceRule) error
	Tag           func(*TagRule) error
}

func MatchRule(rule Rule, visitor RuleVisitor) error {
	call := func(fn func() error, present bool) error {
		if !present {
			return nil
		}
		return fn()
	}
	switch typed := rule.(type) {
	case *PipelineRule:
		return call(func() error { return visitor.Pipeline(typed) }, visitor.Pipeline != nil)
	case *CommunicationRule:
		return call(func() error { return visitor.Communication(typed) }, visitor.Communication != nil)
	case *InvoiceRule:
		return call(func() error { return visitor.Invoice(typed) }, visitor.Invoice != nil)
	case *ServiceRule:
		return call(func() error { return visitor.Service(typed) }, visitor.Service != nil)
	case *TagRule:
		return call(func() error { return visitor.Tag(typed) }, visitor.Tag != nil)
	default:
		return errors.Wrapf(ErrUnknownRuleDomain, "rule type %T", rule)
	}
}

// Matches reports whether the rule's trigger predicate accepts the event.
// Paused rules never match.
func Matches(rule Rule, event Event) bool {
	if rule.Base().IsPaused {
		return false
	}
	matched := false
	_ = MatchRule(rule, RuleVisitor{
		Pipeline: func(r *PipelineRule) error {
			matched = event.Kind == EventColumnChanged && slices.Contains(r.SourceColumns, event.ColumnID)
			return nil
		},
		Communication: func(r *CommunicationRule) error {
			matched = event.Kind == EventColumnChanged && slices.Contains(r.SourceColumns, event.ColumnID)
			return nil
		},
		Invoice: func(r *InvoiceRule) error {
			matched = event.Kind == EventInvoiceStatusChanged && slices.Contains(r.Statuses, event.Status)
			return nil
		},
		Service: func(r *ServiceRule) error {
			matched = event.Kind == EventServiceAttached && slices.Contains(r.ServiceIDs, event.ServiceID)
			return nil
		},
		Tag: func(r *TagRule) error {
			matched = event.Kind == EventColumnChanged && slices.Contains(r.SourceColumns, event.ColumnID)
			return nil
		},
	})
	return matched
}

// DomainsFor lists the rule domains an event kind can trigger.
func DomainsFor(kind EventKind) []RuleDomain {
	switch kind {
	case EventColumnChanged:
		return []RuleDomain{DomainPipeline, DomainCommunication, DomainTag}
	case EventInvoiceStatusChanged:
		return []RuleDomain{DomainInvoice}
	case EventServiceAttached:
		return []RuleDomain{DomainService}
	default:
		return nil
	}
}

// NewRule returns an empty rule of the given domain, ready for decoding.
func NewRule(d RuleDomain) (Rule, error) {
	switch d {
	case DomainPipeline:
		return &PipelineRule{}, nil
	case DomainCommunication:
		return &CommunicationRule{}, nil
	case DomainInvoice:
		return &InvoiceRule{}, nil
	case DomainService:
		return &ServiceRule{}, nil
	case DomainTag:
		return &TagRule{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownRuleDomain, "domain %q", d)
	}
}

type ruleEnvelope struct {
	Domain RuleDomain      `json:"domain"`
	Rule   json.RawMessage `json:"rule"`
}

// EncodeRules serializes rules with their domain tag so DecodeRules can
// restore the concrete variants.
func EncodeRules(rules []Rule) ([]byte, error) {
	envelopes := make([]ruleEnvelope, 0, len(rules))
	for _, rule := range rules {
		raw, err := json.Marshal(rule)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s rule %d", rule.Domain(), rule.Base().ID)
		}
		envelopes = append(envelopes, ruleEnvelope{Domain: rule.Domain(), Rule: raw})
	}
	return json.Marshal(envelopes)
}

func DecodeRules(data []byte) ([]Rule, error) {
	var envelopes []ruleEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, errors.Wrap(err, "decode rule envelopes")
	}
	rules := make([]Rule, 0, len(envelopes))
	for _, envelope := range envelopes {
		rule, err := NewRule(envelope.Domain)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(envelope.Rule, rule); err != nil {
			return nil, errors.Wrapf(err, "decode %s rule", envelope.Domain)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
