package id

import (
	"encoding/json"
	"testing"
)

func TestNew(t *testing.T) {
	jobID := New(PrefixJob)
	if jobID.IsNil() {
		t.Fatal("New returned nil ID")
	}

	if jobID.Prefix() != PrefixJob {
		t.Errorf("expected prefix %q, got %q", PrefixJob, jobID.Prefix())
	}

	other := New(PrefixJob)
	if jobID.String() == other.String() {
		t.Error("two generated IDs should not collide")
	}
}

func TestParse(t *testing.T) {
	original := NewRobotID()

	parsed, err := Parse(original.String())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if parsed.String() != original.String() {
		t.Errorf("round trip mismatch: %q != %q", parsed.String(), original.String())
	}

	if _, err := Parse(""); err == nil {
		t.Error("expected error for empty string")
	}

	if _, err := Parse("not a typeid!"); err == nil {
		t.Error("expected error for invalid string")
	}
}

func TestParseWithPrefix(t *testing.T) {
	jobID := NewJobID()

	if _, err := ParseJobID(jobID.String()); err != nil {
		t.Errorf("ParseJobID rejected valid job ID: %v", err)
	}

	if _, err := ParseRobotID(jobID.String()); err == nil {
		t.Error("ParseRobotID accepted a job ID")
	}
}

func TestNilID(t *testing.T) {
	var zero ID

	if !zero.IsNil() {
		t.Error("zero-value ID should be nil")
	}

	if zero.String() != "" {
		t.Errorf("nil ID String() should be empty, got %q", zero.String())
	}

	v, err := zero.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	if v != nil {
		t.Errorf("nil ID should store NULL, got %v", v)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		ID    ID `json:"id"`
		Empty ID `json:"empty"`
	}

	in := wrapper{ID: NewDLQID()}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out wrapper
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out.ID.String() != in.ID.String() {
		t.Errorf("round trip mismatch: %q != %q", out.ID.String(), in.ID.String())
	}

	if !out.Empty.IsNil() {
		t.Error("empty ID should unmarshal to nil")
	}
}

func TestScan(t *testing.T) {
	original := NewJobID()

	var scanned ID
	if err := scanned.Scan(original.String()); err != nil {
		t.Fatalf("Scan string failed: %v", err)
	}

	if scanned.String() != original.String() {
		t.Errorf("scan mismatch: %q != %q", scanned.String(), original.String())
	}

	var fromBytes ID
	if err := fromBytes.Scan([]byte(original.String())); err != nil {
		t.Fatalf("Scan bytes failed: %v", err)
	}

	var fromNil ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("Scan nil failed: %v", err)
	}

	if !fromNil.IsNil() {
		t.Error("scanning NULL should produce nil ID")
	}

	var bad ID
	if err := bad.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestSortability(t *testing.T) {
	a := NewJobID()
	b := NewJobID()

	// UUIDv7-based IDs generated in sequence sort lexicographically.
	if a.String() >= b.String() {
		t.Skip("same-millisecond generation, ordering not guaranteed within 1ms")
	}
}
