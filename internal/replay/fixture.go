package replay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/gate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/ledger"
)

// #region fixture-types

// Fixture is a scripted run: candidates with pre-recorded facet scores, the
// external actions taken against them, and the expected end state.
type Fixture struct {
	Description string                `yaml:"description"`
	Config      FixtureConfig         `yaml:"config"`
	Candidates  []candidate.BatchItem `yaml:"candidates"`
	Steps       []Step                `yaml:"steps"`
	Expect      []Expectation         `yaml:"expect"`
}

// FixtureConfig overrides the gate and expiry settings. Zero values keep defaults.
type FixtureConfig struct {
	DisagreementThreshold float64 `yaml:"disagreement_threshold"`
	ConsecutiveRounds     int     `yaml:"consecutive_rounds"`
	DwellingMaxAge        int     `yaml:"dwelling_max_age"`
}

// Action names one step kind.
type Action string

const (
	ActionCycle     Action = "cycle"
	ActionWitness   Action = "witness"
	ActionAuthorize Action = "authorize"
	ActionResubmit  Action = "resubmit"
	ActionWithdraw  Action = "withdraw"
	ActionConfirm   Action = "confirm"
)

// Step is one action. Confession-level actions address the latest confession
// opened for Candidate.
type Step struct {
	Action    Action          `yaml:"action"`
	Times     int             `yaml:"times,omitempty"` // cycle only; default 1
	Candidate string          `yaml:"candidate,omitempty"`
	Identity  string          `yaml:"identity,omitempty"`
	Decision  ledger.Decision `yaml:"decision,omitempty"`
	Reason    string          `yaml:"reason,omitempty"`
	WantError bool            `yaml:"want_error,omitempty"`
}

// Expectation describes one candidate's end state. Empty fields are not checked.
type Expectation struct {
	Candidate  string            `yaml:"candidate"`
	State      forgiveness.State `yaml:"state,omitempty"`
	Constraint string            `yaml:"constraint,omitempty"` // constraint status
	Resolved   *bool             `yaml:"resolved,omitempty"`
	Expired    bool              `yaml:"expired,omitempty"`
	Traces     *int              `yaml:"traces,omitempty"` // traces for this candidate's confessions
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	f, err := ParseFixture(data)
	if err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return f, nil
}

// ParseFixture decodes a fixture and normalizes its candidates the way batch files are.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	batchYAML, err := yaml.Marshal(candidate.Batch{Candidates: f.Candidates})
	if err != nil {
		return nil, err
	}
	batch, err := candidate.ParseBatch(batchYAML)
	if err != nil {
		return nil, err
	}
	f.Candidates = batch.Candidates
	for i, s := range f.Steps {
		switch s.Action {
		case ActionCycle, ActionConfirm:
		case ActionWitness, ActionAuthorize, ActionResubmit, ActionWithdraw:
			if s.Candidate == "" {
				return nil, fmt.Errorf("step %d: %s needs a candidate", i, s.Action)
			}
		default:
			return nil, fmt.Errorf("step %d: unknown action %q", i, s.Action)
		}
	}
	return &f, nil
}

// GateConfig returns the fixture's gate settings over the defaults.
func (fc FixtureConfig) GateConfig() gate.GateConfig {
	cfg := gate.DefaultGateConfig()
	if fc.DisagreementThreshold > 0 {
		cfg.DisagreementThreshold = fc.DisagreementThreshold
	}
	if fc.ConsecutiveRounds > 0 {
		cfg.ConsecutiveRounds = fc.ConsecutiveRounds
	}
	return cfg
}

// #endregion fixture-loader
