package id_test

import (
	"strings"
	"testing"

	"github.com/storekit/conveyor/id"
)

func TestEveryEntityMintsAndParsesItsOwnPrefix(t *testing.T) {
	entities := []struct {
		prefix string
		mint   func() id.ID
		parse  func(string) (id.ID, error)
	}{
		{"job", id.NewJobID, id.ParseJobID},
		{"sched", id.NewScheduleID, id.ParseScheduleID},
		{"exec", id.NewExecutionID, id.ParseExecutionID},
		{"wkr", id.NewWorkerID, id.ParseWorkerID},
		{"ord", id.NewOrderID, id.ParseOrderID},
		{"prod", id.NewProductID, id.ParseProductID},
		{"cust", id.NewCustomerID, id.ParseCustomerID},
		{"rpt", id.NewReportID, id.ParseReportID},
	}

	for _, e := range entities {
		t.Run(e.prefix, func(t *testing.T) {
			minted := e.mint()
			s := minted.String()
			if !strings.HasPrefix(s, e.prefix+"_") {
				t.Fatalf("minted %q, want prefix %q", s, e.prefix)
			}
			if minted.Prefix() != id.Prefix(e.prefix) {
				t.Errorf("Prefix() = %q", minted.Prefix())
			}

			back, err := e.parse(s)
			if err != nil {
				t.Fatalf("parse own ID back: %v", err)
			}
			if back.String() != s {
				t.Errorf("round trip changed the ID: %q -> %q", s, back.String())
			}
		})
	}
}

func TestTypedParsersRejectForeignPrefixes(t *testing.T) {
	orderID := id.NewOrderID().String()

	if _, err := id.ParseJobID(orderID); err == nil {
		t.Errorf("ParseJobID accepted %q", orderID)
	}
	if _, err := id.ParseProductID(orderID); err == nil {
		t.Errorf("ParseProductID accepted %q", orderID)
	}
	// The untyped parser takes anything well-formed.
	if _, err := id.Parse(orderID); err != nil {
		t.Errorf("Parse rejected a valid ID: %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "nounderscore", "ord_!!!"} {
		if _, err := id.Parse(bad); err == nil {
			t.Errorf("Parse(%q) succeeded", bad)
		}
	}
}

func TestZeroValueBehavesAsNil(t *testing.T) {
	var zero id.ID

	if !zero.IsNil() {
		t.Error("zero value is not nil")
	}
	if zero.String() != "" || zero.Prefix() != "" {
		t.Errorf("zero value renders as %q/%q", zero.String(), zero.Prefix())
	}

	v, err := zero.Value()
	if err != nil {
		t.Fatalf("Value on zero: %v", err)
	}
	if v != nil {
		t.Errorf("zero value stores as %v, want SQL NULL", v)
	}
}

func TestTextRoundTrip(t *testing.T) {
	original := id.NewJobID()

	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored id.ID
	if err := restored.UnmarshalText(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.String() != original.String() {
		t.Errorf("text round trip: %q != %q", restored.String(), original.String())
	}

	// Empty text restores Nil, for optional JSON fields.
	if err := restored.UnmarshalText(nil); err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	if !restored.IsNil() {
		t.Error("empty text did not restore Nil")
	}
}

func TestSQLRoundTrip(t *testing.T) {
	original := id.NewOrderID()

	v, err := original.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	var scanned id.ID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if scanned.String() != original.String() {
		t.Errorf("sql round trip: %q != %q", scanned.String(), original.String())
	}

	if err := scanned.Scan(nil); err != nil {
		t.Fatalf("scan NULL: %v", err)
	}
	if !scanned.IsNil() {
		t.Error("NULL did not scan to Nil")
	}
	if err := scanned.Scan(42); err == nil {
		t.Error("Scan accepted an int")
	}
}

func TestMintedIDsAreUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for range 100 {
		s := id.NewJobID().String()
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate ID minted: %q", s)
		}
		seen[s] = struct{}{}
	}
}
