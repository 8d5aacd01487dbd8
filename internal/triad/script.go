package triad

import (
	"context"
	"errors"
	"sync"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
)

// ErrNoScript is returned when a scripted facet is asked about a candidate it has no rounds for.
var ErrNoScript = errors.New("no scripted rounds for candidate")

// #region script
// Script replays pre-recorded facet confidences, one round per evaluation.
// Each facet keeps its own cursor per candidate; once a candidate's rounds run
// out the last round repeats.
type Script struct {
	mu     sync.Mutex
	rounds map[string][]candidate.ScriptedRound
	cursor map[FacetName]map[string]int
}

// NewScript indexes the scripted rounds of a batch by candidate ID.
func NewScript(items []candidate.BatchItem) *Script {
	s := &Script{
		rounds: make(map[string][]candidate.ScriptedRound, len(items)),
		cursor: make(map[FacetName]map[string]int, len(Facets)),
	}
	for _, it := range items {
		if len(it.Rounds) > 0 {
			s.rounds[it.ID] = it.Rounds
		}
	}
	for _, name := range Facets {
		s.cursor[name] = make(map[string]int)
	}
	return s
}

// Evaluator returns an evaluator whose three facets read from the script.
func (s *Script) Evaluator() *Evaluator {
	e, _ := NewEvaluator(
		FacetFunc(Structural, s.scorer(Structural)),
		FacetFunc(Relational, s.scorer(Relational)),
		FacetFunc(Grounded, s.scorer(Grounded)),
	)
	return e
}

func (s *Script) scorer(name FacetName) ScoreFunc {
	return func(_ context.Context, c candidate.Candidate) (float64, string, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rounds, ok := s.rounds[c.ID]
		if !ok {
			return 0, "", ErrNoScript
		}
		i := s.cursor[name][c.ID]
		s.cursor[name][c.ID] = i + 1
		if i >= len(rounds) {
			i = len(rounds) - 1
		}
		r := rounds[i]
		switch name {
		case Structural:
			return r.Structural, "scripted", nil
		case Relational:
			return r.Relational, "scripted", nil
		default:
			return r.Grounded, "scripted", nil
		}
	}
}

// #endregion script
