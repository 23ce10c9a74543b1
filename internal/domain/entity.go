package domain

import (
	"fmt"
	"time"
)

type EntityKind string

const (
	EntityLead     EntityKind = "lead"
	EntityInvoice  EntityKind = "invoice"
	EntityEstimate EntityKind = "estimate"
)

func (k EntityKind) Valid() bool {
	switch k {
	case EntityLead, EntityInvoice, EntityEstimate:
		return true
	default:
		return false
	}
}

type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   int64      `json:"id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

type Contact struct {
	Name  string
	Email string
	Phone string
}

// Entity is the column state of a lead, invoice or estimate.
// ColumnChangedAt anchors every delay computed for the entity.
type Entity struct {
	Ref             EntityRef
	CompanyID       int64
	ColumnID        int64
	ColumnChangedAt *time.Time
	Status          string
	Contact         Contact
	Tags            []int64
}
