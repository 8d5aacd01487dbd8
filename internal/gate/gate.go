package gate

import (
	"fmt"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/dwelling"
)

// #region gate
// Gate decides whether a dwelling entry has drifted far enough to raise a constraint.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Config returns the active thresholds.
func (g *Gate) Config() GateConfig {
	return g.config
}

// Evaluate checks an entry's history. Entries already escalated or resolved always dwell.
func (g *Gate) Evaluate(entry dwelling.Entry) GateDecision {
	if entry.Resolved {
		return GateDecision{Action: ActionDwell, Reason: "entry resolved"}
	}
	if entry.Escalated {
		return GateDecision{Action: ActionDwell, Reason: fmt.Sprintf("already escalated to %s", entry.ConstraintID)}
	}

	var signals []Signal
	need := g.config.ConsecutiveRounds

	// 1. External violation signal sustained over the trailing rounds
	violations := ViolationRunLength(entry)
	if need > 0 && violations >= need {
		last, _ := entry.LastRound()
		signals = append(signals, Signal{
			Type:   SignalViolation,
			Reason: fmt.Sprintf("violation reported for %d consecutive rounds: %s", violations, last.Violation),
		})
	}

	// 2. Sustained disagreement
	run := RunLength(entry, g.config.DisagreementThreshold)
	if need > 0 && run >= need {
		signals = append(signals, Signal{
			Type: SignalDisagreement,
			Reason: fmt.Sprintf("disagreement above %.2f for %d consecutive rounds (last %.4f)",
				g.config.DisagreementThreshold, run, entry.LastDisagreement()),
		})
	}

	if len(signals) > 0 {
		return GateDecision{
			Action:        ActionEscalate,
			Reason:        signals[0].Reason,
			Signals:       signals,
			RunLength:     run,
			ViolationRuns: violations,
		}
	}

	return GateDecision{
		Action: ActionDwell,
		Reason: fmt.Sprintf("dwelling: run=%d/%d violations=%d/%d last=%.4f",
			run, need, violations, need, entry.LastDisagreement()),
		RunLength:     run,
		ViolationRuns: violations,
	}
}

// #endregion gate

// #region helpers
// RunLength counts trailing rounds whose disagreement strictly exceeds threshold.
func RunLength(entry dwelling.Entry, threshold float64) int {
	run := 0
	for i := len(entry.Rounds) - 1; i >= 0; i-- {
		if entry.Rounds[i].Disagreement <= threshold {
			break
		}
		run++
	}
	return run
}

// ViolationRunLength counts trailing rounds that carry an external violation signal.
func ViolationRunLength(entry dwelling.Entry) int {
	run := 0
	for i := len(entry.Rounds) - 1; i >= 0; i-- {
		if entry.Rounds[i].Violation == "" {
			break
		}
		run++
	}
	return run
}

// #endregion helpers
