package candidate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// #region candidate
// Candidate is one interpretation awaiting resolution. The payload is opaque to
// the controller and is only forwarded to facet scorers.
type Candidate struct {
	ID        string         `yaml:"id" json:"id"`
	Payload   map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	CreatedAt time.Time      `yaml:"created_at,omitempty" json:"created_at"`
}

// New creates a candidate with a fresh ID.
func New(payload map[string]any) Candidate {
	return Candidate{
		ID:        uuid.New().String(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// #endregion candidate

// #region batch
// BatchItem is one candidate entry in a batch file, optionally carrying an
// external violation signal and scripted facet scores.
type BatchItem struct {
	Candidate `yaml:",inline"`
	Violation string          `yaml:"violation,omitempty"`
	Rounds    []ScriptedRound `yaml:"rounds,omitempty"`
}

// ScriptedRound holds pre-recorded facet confidences for one evaluation round.
type ScriptedRound struct {
	Structural float64 `yaml:"structural" json:"structural"`
	Relational float64 `yaml:"relational" json:"relational"`
	Grounded   float64 `yaml:"grounded" json:"grounded"`
	Violation  string  `yaml:"violation,omitempty" json:"violation,omitempty"`
}

// Batch is the on-disk shape of a candidate set supplied to a dwelling cycle.
type Batch struct {
	Candidates []BatchItem `yaml:"candidates"`
}

// LoadBatch reads a YAML batch file. Items without an ID get a generated one;
// items without a creation time are stamped now.
func LoadBatch(path string) (Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, fmt.Errorf("read batch: %w", err)
	}
	return ParseBatch(data)
}

// ParseBatch decodes a YAML batch document.
func ParseBatch(data []byte) (Batch, error) {
	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("parse batch: %w", err)
	}
	seen := make(map[string]struct{}, len(b.Candidates))
	now := time.Now().UTC()
	for i := range b.Candidates {
		item := &b.Candidates[i]
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		if _, dup := seen[item.ID]; dup {
			return Batch{}, fmt.Errorf("parse batch: duplicate candidate id %q", item.ID)
		}
		seen[item.ID] = struct{}{}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
	}
	return b, nil
}

// #endregion batch
