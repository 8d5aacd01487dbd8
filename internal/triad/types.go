package triad

import (
	"errors"
	"fmt"
	"math"
)

// #region facet-name
// FacetName identifies one of the three scoring perspectives.
type FacetName string

const (
	Structural FacetName = "structural"
	Relational FacetName = "relational"
	Grounded   FacetName = "grounded"
)

// Facets lists the facets in evaluation order.
var Facets = [3]FacetName{Structural, Relational, Grounded}

// #endregion facet-name

// #region facet-score
// FacetScore is one facet's verdict on a candidate.
type FacetScore struct {
	Facet      FacetName `json:"facet"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale,omitempty"`
}

// Triple holds the three facet scores of one round, in Facets order.
type Triple [3]FacetScore

// NewTriple builds a triple from raw confidences.
func NewTriple(structural, relational, grounded float64) Triple {
	return Triple{
		{Facet: Structural, Confidence: structural},
		{Facet: Relational, Confidence: relational},
		{Facet: Grounded, Confidence: grounded},
	}
}

// Score returns the score recorded for the named facet.
func (t Triple) Score(name FacetName) FacetScore {
	for _, s := range t {
		if s.Facet == name {
			return s
		}
	}
	return FacetScore{Facet: name}
}

// Disagreement is the largest pairwise absolute difference between confidences.
func (t Triple) Disagreement() float64 {
	var max float64
	for i := 0; i < len(t); i++ {
		for j := i + 1; j < len(t); j++ {
			if d := math.Abs(t[i].Confidence - t[j].Confidence); d > max {
				max = d
			}
		}
	}
	return max
}

// Coherence is the product of the three confidences.
func (t Triple) Coherence() float64 {
	return t[0].Confidence * t[1].Confidence * t[2].Confidence
}

// Spread is the population standard deviation of the confidences.
func (t Triple) Spread() float64 {
	mean := (t[0].Confidence + t[1].Confidence + t[2].Confidence) / 3
	var sum float64
	for _, s := range t {
		d := s.Confidence - mean
		sum += d * d
	}
	return math.Sqrt(sum / 3)
}

// Weakest returns the facet with the lowest confidence.
func (t Triple) Weakest() FacetName {
	weakest := t[0]
	for _, s := range t[1:] {
		if s.Confidence < weakest.Confidence {
			weakest = s
		}
	}
	return weakest.Facet
}

// #endregion facet-score

// #region errors
// ErrEvaluation matches every *EvaluationError via errors.Is.
var ErrEvaluation = errors.New("evaluation failed")

// EvaluationError reports a facet that failed or produced an out-of-range confidence.
type EvaluationError struct {
	Facet FacetName
	Cause error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("facet %s: %v", e.Facet, e.Cause)
}

func (e *EvaluationError) Unwrap() error { return e.Cause }

func (e *EvaluationError) Is(target error) bool { return target == ErrEvaluation }

// #endregion errors
