package replay

import (
	"context"
	"path/filepath"
	"testing"
)

func TestReplay_C1Grant(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "c1_grant.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	res, err := Replay(context.Background(), f, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, d := range res.Drift {
		t.Errorf("drift: %s", d)
	}
	if res.Summary.Cycles != 3 {
		t.Errorf("expected 3 cycles, got %d", res.Summary.Cycles)
	}
	if res.Summary.Escalated != 1 {
		t.Errorf("expected 1 escalation, got %d", res.Summary.Escalated)
	}
	if res.Summary.Released != 1 {
		t.Errorf("expected 1 release, got %d", res.Summary.Released)
	}
	if res.Summary.Traces != 1 {
		t.Errorf("expected 1 trace, got %d", res.Summary.Traces)
	}
}

func TestReplay_C1Deny(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "c1_deny.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	res, err := Replay(context.Background(), f, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, d := range res.Drift {
		t.Errorf("drift: %s", d)
	}
	if res.Summary.Denied != 1 {
		t.Errorf("expected 1 deny, got %d", res.Summary.Denied)
	}
	if res.Summary.Expired != 1 {
		t.Errorf("expected 1 expiry, got %d", res.Summary.Expired)
	}
	if res.Summary.Traces != 0 {
		t.Errorf("expected no traces, got %d", res.Summary.Traces)
	}
}

func TestReplay_ReportsDrift(t *testing.T) {
	f, err := ParseFixture([]byte(`
candidates:
  - id: quiet
    rounds:
      - {structural: 0.5, relational: 0.5, grounded: 0.5}
steps:
  - {action: cycle, times: 4}
  - {action: witness, candidate: quiet, identity: auditor-1}
expect:
  - candidate: quiet
    state: released
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	res, err := Replay(context.Background(), f, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Drift) != 2 {
		t.Fatalf("expected 2 drifts (step error + state), got %v", res.Drift)
	}
	if res.Drift[1].Got != "detected" {
		t.Errorf("expected state detected, got %s", res.Drift[1].Got)
	}
}

func TestParseFixture_RejectsUnknownAction(t *testing.T) {
	_, err := ParseFixture([]byte(`
steps:
  - {action: forgive, candidate: C1}
`))
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestParseFixture_RequiresCandidate(t *testing.T) {
	_, err := ParseFixture([]byte(`
steps:
  - {action: witness, identity: auditor-1}
`))
	if err == nil {
		t.Fatal("expected error for witness without candidate")
	}
}
