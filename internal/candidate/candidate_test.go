package candidate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewAssignsID(t *testing.T) {
	a := New(map[string]any{"text": "a"})
	b := New(nil)
	if a.ID == "" || b.ID == "" {
		t.Fatal("expected generated IDs")
	}
	if a.ID == b.ID {
		t.Fatal("expected distinct IDs")
	}
	if a.CreatedAt.IsZero() {
		t.Fatal("expected creation time")
	}
}

func TestParseBatch(t *testing.T) {
	doc := `
candidates:
  - id: C1
    payload:
      claim: "the bridge is closed"
    rounds:
      - {structural: 0.9, relational: 0.4, grounded: 0.85}
      - {structural: 0.9, relational: 0.4, grounded: 0.85, violation: "contradicts C0"}
  - payload:
      claim: "untitled"
    violation: "policy breach"
`
	b, err := ParseBatch([]byte(doc))
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if len(b.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(b.Candidates))
	}
	c1 := b.Candidates[0]
	if c1.ID != "C1" {
		t.Fatalf("expected C1, got %q", c1.ID)
	}
	if len(c1.Rounds) != 2 || c1.Rounds[1].Violation != "contradicts C0" {
		t.Fatalf("unexpected rounds: %+v", c1.Rounds)
	}
	if c1.Payload["claim"] != "the bridge is closed" {
		t.Fatalf("unexpected payload: %v", c1.Payload)
	}
	if b.Candidates[1].ID == "" {
		t.Fatal("expected generated ID for second candidate")
	}
	if b.Candidates[1].Violation != "policy breach" {
		t.Fatalf("unexpected violation %q", b.Candidates[1].Violation)
	}
}

func TestParseBatchDuplicateID(t *testing.T) {
	doc := "candidates:\n  - id: X\n  - id: X\n"
	if _, err := ParseBatch([]byte(doc)); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestLoadBatchMissingFile(t *testing.T) {
	if _, err := LoadBatch(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBatchFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	if err := os.WriteFile(path, []byte("candidates:\n  - id: A\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := LoadBatch(path)
	if err != nil {
		t.Fatalf("LoadBatch: %v", err)
	}
	if len(b.Candidates) != 1 || b.Candidates[0].ID != "A" {
		t.Fatalf("unexpected batch: %+v", b)
	}
}
