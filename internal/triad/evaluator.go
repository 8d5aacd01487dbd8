package triad

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
)

// #region evaluator
// Evaluator runs the three facets over a candidate and aggregates their scores.
// It keeps no cache: every call scores afresh.
type Evaluator struct {
	facets [3]Facet
}

// NewEvaluator wires one facet per slot. Each facet must report the name of its slot.
func NewEvaluator(structural, relational, grounded Facet) (*Evaluator, error) {
	facets := [3]Facet{structural, relational, grounded}
	for i, f := range facets {
		if f == nil {
			return nil, fmt.Errorf("new evaluator: missing %s facet", Facets[i])
		}
		if f.Name() != Facets[i] {
			return nil, fmt.Errorf("new evaluator: slot %s got facet %s", Facets[i], f.Name())
		}
	}
	return &Evaluator{facets: facets}, nil
}

// Evaluate scores the candidate with all three facets concurrently. Any facet
// failure, panic, or confidence outside [0,1] yields an *EvaluationError and no triple.
func (e *Evaluator) Evaluate(ctx context.Context, c candidate.Candidate) (Triple, error) {
	var out Triple
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range e.facets {
		g.Go(func() error {
			score, err := scoreFacet(gctx, f, c)
			if err != nil {
				return err
			}
			out[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Triple{}, err
	}
	return out, nil
}

// #endregion evaluator

// #region helpers
func scoreFacet(ctx context.Context, f Facet, c candidate.Candidate) (score FacetScore, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EvaluationError{Facet: f.Name(), Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	conf, rationale, err := f.Score(ctx, c)
	if err != nil {
		return FacetScore{}, &EvaluationError{Facet: f.Name(), Cause: err}
	}
	if err := checkConfidence(conf); err != nil {
		return FacetScore{}, &EvaluationError{Facet: f.Name(), Cause: err}
	}
	return FacetScore{Facet: f.Name(), Confidence: conf, Rationale: rationale}, nil
}

var errOutOfRange = errors.New("confidence outside [0,1]")

func checkConfidence(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %v", errOutOfRange, v)
	}
	return nil
}

// #endregion helpers
