// Package id defines the identity type shared by every Conveyor entity.
//
// An ID is a TypeID: a type prefix plus a K-sortable UUIDv7 suffix,
// rendered as "prefix_suffix". The prefix makes an order ID impossible
// to confuse with a job ID at a glance, in logs, and in parsers.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix is the entity tag encoded into a TypeID.
type Prefix string

const (
	PrefixJob       Prefix = "job"
	PrefixSchedule  Prefix = "sched"
	PrefixExecution Prefix = "exec"
	PrefixWorker    Prefix = "wkr"
	PrefixOrder     Prefix = "ord"
	PrefixProduct   Prefix = "prod"
	PrefixCustomer  Prefix = "cust"
	PrefixReport    Prefix = "rpt"
)

// ID wraps a TypeID together with a validity flag, so the zero value is
// a usable "no ID" sentinel rather than a panic waiting to happen.
//
//nolint:recvcheck // read methods use value receivers, UnmarshalText/Scan need pointers
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero ID. It stringifies to "" and stores as SQL NULL.
var Nil ID

// New mints a fresh ID under prefix. An invalid prefix is a programming
// error and panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse decodes a TypeID string of any prefix.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix decodes a TypeID string and rejects it unless it
// carries the expected prefix.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// MustParse is Parse for hardcoded values; it panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}
	return parsed
}

// The per-entity aliases below are all the same underlying struct; they
// document intent in signatures without forcing conversions at call
// sites. Prefix enforcement happens in the Parse helpers.

type (
	JobID       = ID
	ScheduleID  = ID
	ExecutionID = ID
	WorkerID    = ID
	OrderID     = ID
	ProductID   = ID
	CustomerID  = ID
	ReportID    = ID
)

// NewJobID mints a job ID; ParseJobID enforces the "job" prefix. The
// remaining pairs follow the same pattern for their entity.

func NewJobID() ID       { return New(PrefixJob) }
func NewScheduleID() ID  { return New(PrefixSchedule) }
func NewExecutionID() ID { return New(PrefixExecution) }
func NewWorkerID() ID    { return New(PrefixWorker) }
func NewOrderID() ID     { return New(PrefixOrder) }
func NewProductID() ID   { return New(PrefixProduct) }
func NewCustomerID() ID  { return New(PrefixCustomer) }
func NewReportID() ID    { return New(PrefixReport) }

func ParseJobID(s string) (ID, error)       { return ParseWithPrefix(s, PrefixJob) }
func ParseScheduleID(s string) (ID, error)  { return ParseWithPrefix(s, PrefixSchedule) }
func ParseExecutionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixExecution) }
func ParseWorkerID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixWorker) }
func ParseOrderID(s string) (ID, error)     { return ParseWithPrefix(s, PrefixOrder) }
func ParseProductID(s string) (ID, error)   { return ParseWithPrefix(s, PrefixProduct) }
func ParseCustomerID(s string) (ID, error)  { return ParseWithPrefix(s, PrefixCustomer) }
func ParseReportID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixReport) }

// String renders "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the entity tag, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether the ID is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler. Nil marshals to the
// empty string so optional JSON fields round-trip.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}
	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil becomes SQL NULL so optional
// foreign key columns stay nullable.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // NULL is the point
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner for TEXT and BYTEA columns.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		if v == "" {
			*i = Nil
			return nil
		}
		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil
			return nil
		}
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
