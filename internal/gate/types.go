package gate

// #region signal-type
// SignalType enumerates escalation triggers.
type SignalType string

const (
	SignalDisagreement SignalType = "sustained_disagreement"
	SignalViolation    SignalType = "constraint_violation"
)

// #endregion signal-type

// #region signal
// Signal represents a detected escalation condition.
type Signal struct {
	Type   SignalType
	Reason string
}

// #endregion signal

// #region gate-config
// GateConfig holds the escalation thresholds.
type GateConfig struct {
	DisagreementThreshold float64 // rounds above this count toward escalation
	ConsecutiveRounds     int     // trailing rounds that must all exceed the threshold or all carry a violation
}

// DefaultGateConfig returns the placeholder defaults: 0.4 over 3 rounds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		DisagreementThreshold: 0.4,
		ConsecutiveRounds:     3,
	}
}

// #endregion gate-config

// #region gate-decision
// Action is the gate's verdict on a dwelling entry.
type Action string

const (
	ActionDwell    Action = "dwell"
	ActionEscalate Action = "escalate"
)

// GateDecision is the output of the gate evaluation.
type GateDecision struct {
	Action        Action
	Reason        string
	Signals       []Signal // non-empty if escalating
	RunLength     int      // trailing rounds above threshold
	ViolationRuns int      // trailing rounds carrying a violation
}

// Escalate reports whether the decision raises a constraint.
func (d GateDecision) Escalate() bool { return d.Action == ActionEscalate }

// #endregion gate-decision
