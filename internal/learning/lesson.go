package learning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/dwelling"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/triad"
)

// #region lesson
// Lesson is the generalizable residue of a released constraint. It carries no
// candidate, constraint or scope identifiers, so it cannot bias later candidates
// toward the binding that was released.
type Lesson struct {
	Pattern          string                      `json:"pattern"`
	Trigger          string                      `json:"trigger"`
	DissentingFacet  triad.FacetName             `json:"dissenting_facet,omitempty"`
	Rounds           int                         `json:"rounds"`
	PeakDisagreement float64                     `json:"peak_disagreement"`
	MeanDisagreement float64                     `json:"mean_disagreement"`
	MeanCoherence    float64                     `json:"mean_coherence"`
	MeanSpread       float64                     `json:"mean_spread"`
	FacetMeans       map[triad.FacetName]float64 `json:"facet_means,omitempty"`
}

// Extract generalizes a confession reason and its facet-score history into a lesson.
func Extract(reason string, rounds []dwelling.Round) Lesson {
	l := Lesson{
		Trigger: normalizeReason(reason),
		Rounds:  len(rounds),
	}
	if len(rounds) == 0 {
		l.Pattern = "unobserved"
		return l
	}

	sums := make(map[triad.FacetName]float64, 3)
	violations := 0
	for _, r := range rounds {
		if r.Disagreement > l.PeakDisagreement {
			l.PeakDisagreement = r.Disagreement
		}
		l.MeanDisagreement += r.Disagreement
		l.MeanCoherence += r.Coherence
		l.MeanSpread += r.Spread
		for _, s := range r.Scores {
			sums[s.Facet] += s.Confidence
		}
		if r.Violation != "" {
			violations++
		}
	}
	n := float64(len(rounds))
	l.MeanDisagreement = round4(l.MeanDisagreement / n)
	l.MeanCoherence = round4(l.MeanCoherence / n)
	l.MeanSpread = round4(l.MeanSpread / n)
	l.PeakDisagreement = round4(l.PeakDisagreement)

	l.FacetMeans = make(map[triad.FacetName]float64, len(sums))
	for name, sum := range sums {
		l.FacetMeans[name] = round4(sum / n)
	}
	l.DissentingFacet = dissenter(l.FacetMeans)

	switch {
	case violations > 0 && l.DissentingFacet != "":
		l.Pattern = fmt.Sprintf("violation with %s dissent", l.DissentingFacet)
	case violations > 0:
		l.Pattern = "external violation"
	default:
		l.Pattern = fmt.Sprintf("%s dissent", l.DissentingFacet)
	}
	return l
}

// dissenter picks the facet furthest from the mean of the other two.
func dissenter(means map[triad.FacetName]float64) triad.FacetName {
	if len(means) < 2 {
		return ""
	}
	names := make([]triad.FacetName, 0, len(means))
	var total float64
	for name, v := range means {
		names = append(names, name)
		total += v
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var best triad.FacetName
	var bestGap float64
	for _, name := range names {
		others := (total - means[name]) / float64(len(means)-1)
		gap := means[name] - others
		if gap < 0 {
			gap = -gap
		}
		if gap > bestGap {
			best, bestGap = name, gap
		}
	}
	return best
}

var (
	uuidPattern   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	numberPattern = regexp.MustCompile(`\d+(\.\d+)?`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// normalizeReason strips identifiers and magnitudes so equivalent reasons compare equal.
func normalizeReason(reason string) string {
	s := strings.ToLower(reason)
	s = uuidPattern.ReplaceAllString(s, "<id>")
	s = numberPattern.ReplaceAllString(s, "<n>")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

// #endregion lesson

// #region fingerprint
// Fingerprint returns a CIDv1 (raw + sha2-256) over the lesson's pattern and
// trigger. Lessons that teach the same thing share a fingerprint regardless of
// the exact scores that produced them.
func Fingerprint(l Lesson) (string, error) {
	key, err := json.Marshal(struct {
		Pattern string          `json:"pattern"`
		Trigger string          `json:"trigger"`
		Facet   triad.FacetName `json:"facet"`
	}{l.Pattern, l.Trigger, l.DissentingFacet})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum, err := multihash.Sum(key, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// #endregion fingerprint
