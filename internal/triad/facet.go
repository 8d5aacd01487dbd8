package triad

import (
	"context"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
)

// Facet is an independently pluggable scoring function.
type Facet interface {
	Name() FacetName
	Score(ctx context.Context, c candidate.Candidate) (confidence float64, rationale string, err error)
}

// ScoreFunc is the function form of Facet.Score.
type ScoreFunc func(ctx context.Context, c candidate.Candidate) (float64, string, error)

type funcFacet struct {
	name FacetName
	fn   ScoreFunc
}

// FacetFunc adapts a plain function into a Facet.
func FacetFunc(name FacetName, fn ScoreFunc) Facet {
	return funcFacet{name: name, fn: fn}
}

func (f funcFacet) Name() FacetName { return f.name }

func (f funcFacet) Score(ctx context.Context, c candidate.Candidate) (float64, string, error) {
	return f.fn(ctx, c)
}

// Fixed is a facet that always reports the same confidence.
type Fixed struct {
	Facet      FacetName
	Confidence float64
	Rationale  string
}

func (f Fixed) Name() FacetName { return f.Facet }

func (f Fixed) Score(context.Context, candidate.Candidate) (float64, string, error) {
	return f.Confidence, f.Rationale, nil
}
