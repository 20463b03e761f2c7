package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// State is the lifecycle state of an incident. Each state is also the name
// of the partition that holds incidents in that state.
type State string

// Incident states.
const (
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateDeleted  State = "deleted"
)

// States lists every partition in lookup order.
var States = []State{StatePending, StateResolved, StateDeleted}

// IsValid checks if the state is one of the known states.
func (s State) IsValid() bool {
	return s == StatePending || s == StateResolved || s == StateDeleted
}

// Layouts used for human-facing timestamps.
const (
	DateLayout     = "02/01/2006"
	DateTimeLayout = "02/01/2006-15:04"
)

// Incident is a reported problem at a workstation.
type Incident struct {
	ID            string     `json:"id" validate:"required"`
	State         State      `json:"state" validate:"required,oneof=pending resolved deleted"`
	Workstation   int        `json:"workstation" validate:"gte=0"`
	Description   string     `json:"description" validate:"required"`
	ReportedAt    time.Time  `json:"reported_at" validate:"required"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" validate:"required_with=Resolution"`
	Resolution    string     `json:"resolution,omitempty" validate:"required_with=ResolvedAt"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty" validate:"required_with=DeletionCause"`
	DeletionCause string     `json:"deletion_cause,omitempty" validate:"required_with=DeletedAt"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks required fields and that the optional field pairs agree
// with the incident state.
func (i *Incident) Validate() error {
	if err := validate.Struct(i); err != nil {
		return err
	}
	if strings.TrimSpace(i.Description) == "" {
		return errors.New("description is blank")
	}

	resolved := i.ResolvedAt != nil
	deleted := i.DeletedAt != nil

	switch i.State {
	case StatePending:
		if resolved || deleted {
			return fmt.Errorf("pending incident %s carries resolution or deletion fields", i.ID)
		}
	case StateResolved:
		if !resolved || deleted {
			return fmt.Errorf("resolved incident %s must carry only resolution fields", i.ID)
		}
		if strings.TrimSpace(i.Resolution) == "" {
			return errors.New("resolution is blank")
		}
	case StateDeleted:
		if !deleted || resolved {
			return fmt.Errorf("deleted incident %s must carry only deletion fields", i.ID)
		}
		if strings.TrimSpace(i.DeletionCause) == "" {
			return errors.New("deletion cause is blank")
		}
	}
	return nil
}

// Clone returns a deep copy that shares no memory with i.
func (i *Incident) Clone() Incident {
	c := *i
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	if i.DeletedAt != nil {
		t := *i.DeletedAt
		c.DeletedAt = &t
	}
	return c
}
