package domain

type EventKind string

const (
	EventColumnChanged        EventKind = "column_changed"
	EventInvoiceStatusChanged EventKind = "invoice_status_changed"
	EventServiceAttached      EventKind = "service_attached"
)

func (k EventKind) Valid() bool {
	return len(DomainsFor(k)) > 0
}

// Event is a generic "entity changed" notification from upstream handlers.
type Event struct {
	CompanyID int64
	Entity    EntityRef
	Kind      EventKind
	ColumnID  int64
	Status    string
	ServiceID int64
}
