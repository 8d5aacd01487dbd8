package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/constraint"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/learning"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
)

var (
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6BCB77"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	stateColor = map[forgiveness.State]lipgloss.Style{
		forgiveness.StateConfessed:  warnStyle,
		forgiveness.StateWitnessed:  headStyle,
		forgiveness.StateAuthorized: headStyle,
		forgiveness.StateReleased:   okStyle,
		forgiveness.StateDenied:     dimStyle,
		forgiveness.StateWithdrawn:  dimStyle,
	}
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to triad.db")
	confession := flag.String("confession", "", "show one confession in detail")
	stateFilter := flag.String("state", "", "comma-separated case states to list")
	jsonOut := flag.Bool("json", false, "output as JSON instead of tables")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/triad.db [--confession id] [--state s1,s2] [--json]")
		os.Exit(2)
	}

	st, err := store.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	op := forgiveness.NewOperator(forgiveness.Deps{Store: st})
	ctx := context.Background()

	if *confession != "" {
		err = runDetailMode(ctx, op, *confession, *jsonOut)
	} else {
		err = runListMode(ctx, op, parseStates(*stateFilter), *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseStates(s string) []forgiveness.State {
	var out []forgiveness.State
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, forgiveness.State(part))
		}
	}
	return out
}

// #endregion main

// #region list-mode

type overview struct {
	Valid       bool                    `json:"valid"`
	Problem     string                  `json:"problem,omitempty"`
	Constraints []constraint.Constraint `json:"constraints"`
	Cases       []forgiveness.Case      `json:"cases"`
	Traces      []learning.Trace        `json:"traces"`
}

func runListMode(ctx context.Context, op *forgiveness.Operator, states []forgiveness.State, jsonOut bool) error {
	var out overview
	out.Valid = true
	if err := op.Check(ctx); err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			return err
		}
		out.Valid = false
		out.Problem = err.Error()
	}

	var err error
	if out.Constraints, err = op.Constraints().List(ctx); err != nil {
		return err
	}
	if out.Cases, err = op.Cases(ctx, states...); err != nil {
		return err
	}
	if out.Traces, err = op.Learning().List(ctx); err != nil {
		return err
	}

	if jsonOut {
		return printJSON(out)
	}

	if !out.Valid {
		fmt.Println(warnStyle.Render("store failed validation: " + out.Problem))
	}
	printConstraints(out.Constraints)
	fmt.Println()
	printCases(out.Cases)
	fmt.Println()
	printTraces(out.Traces)
	return nil
}

func printConstraints(cs []constraint.Constraint) {
	fmt.Println(headStyle.Render(fmt.Sprintf("Constraints (%d)", len(cs))))
	if len(cs) == 0 {
		fmt.Println(dimStyle.Render("  none"))
		return
	}
	fmt.Printf("%-10s  %-12s  %-16s  %-10s  %s\n", "ID", "Candidate", "Status", "Origin", "Scope")
	for _, c := range cs {
		fmt.Printf("%-10s  %-12s  %-16s  %-10s  %s\n",
			shortID(c.ID), shortID(c.CandidateID), c.Status, shortID(c.Origin), c.Scope)
	}
}

func printCases(cs []forgiveness.Case) {
	fmt.Println(headStyle.Render(fmt.Sprintf("Confessions (%d)", len(cs))))
	if len(cs) == 0 {
		fmt.Println(dimStyle.Render("  none"))
		return
	}
	fmt.Printf("%-10s  %-12s  %-10s  %-12s  %-12s  %s\n", "ID", "Candidate", "Constraint", "State", "Witness", "Reason")
	for _, c := range cs {
		state := string(c.State)
		if c.Denied && c.State == forgiveness.StateWitnessed {
			state += "*"
		}
		fmt.Printf("%-10s  %-12s  %-10s  %-12s  %-12s  %s\n",
			shortID(c.ConfessionID), shortID(c.CandidateID), shortID(c.ConstraintID),
			renderState(c.State, state), witnessOf(c), c.Reason)
	}
	fmt.Println(dimStyle.Render("  * denied, awaiting resubmission"))
}

func printTraces(ts []learning.Trace) {
	fmt.Println(headStyle.Render(fmt.Sprintf("Learning traces (%d)", len(ts))))
	if len(ts) == 0 {
		fmt.Println(dimStyle.Render("  none"))
		return
	}
	for _, t := range ts {
		fmt.Printf("  %-10s  %-40s  %s\n", shortID(t.ConfessionID), t.Lesson.Pattern, dimStyle.Render(t.Fingerprint))
	}
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	Case       forgiveness.Case       `json:"case"`
	Trail      []forgiveness.State    `json:"trail"`
	Constraint *constraint.Constraint `json:"constraint,omitempty"`
	History    []constraint.Status    `json:"history,omitempty"`
	Trace      *learning.Trace        `json:"trace,omitempty"`
}

func runDetailMode(ctx context.Context, op *forgiveness.Operator, id string, jsonOut bool) error {
	cs, err := op.Status(ctx, id)
	if err != nil {
		return err
	}
	out := detailOutput{Case: cs}
	if out.Trail, err = op.Trail(ctx, id); err != nil {
		return err
	}
	if c, err := op.Constraints().Get(ctx, cs.ConstraintID); err == nil {
		out.Constraint = &c
		if out.History, err = op.Constraints().History(ctx, c.ID); err != nil {
			return err
		}
	} else if !errors.Is(err, constraint.ErrUnknownConstraint) {
		return err
	}
	if t, err := op.Learning().Get(ctx, id); err == nil {
		out.Trace = &t
	} else if !errors.Is(err, learning.ErrNoTrace) {
		return err
	}

	if jsonOut {
		return printJSON(out)
	}

	lines := []string{
		fmt.Sprintf("Confession: %s", cs.ConfessionID),
		fmt.Sprintf("Candidate:  %s", cs.CandidateID),
		fmt.Sprintf("Constraint: %s", cs.ConstraintID),
		fmt.Sprintf("State:      %s", renderState(cs.State, string(cs.State))),
		fmt.Sprintf("Reason:     %s", cs.Reason),
	}
	if cs.Denied {
		lines = append(lines, warnStyle.Render("Denied:     awaiting resubmission"))
	}
	if cs.Witness != "" {
		lines = append(lines, fmt.Sprintf("Witness:    %s", cs.Witness))
	}
	if cs.Decision != "" {
		lines = append(lines, fmt.Sprintf("Decision:   %s", cs.Decision))
	}
	if cs.Supersedes != "" {
		lines = append(lines, fmt.Sprintf("Supersedes: %s", cs.Supersedes))
	}
	if cs.SupersededBy != "" {
		lines = append(lines, fmt.Sprintf("Replaced:   %s", cs.SupersededBy))
	}
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))

	trail := make([]string, len(out.Trail))
	for i, s := range out.Trail {
		trail[i] = string(s)
	}
	fmt.Printf("\nTrail:   %s\n", strings.Join(trail, " → "))

	if out.Constraint != nil {
		hist := make([]string, len(out.History))
		for i, s := range out.History {
			hist[i] = string(s)
		}
		fmt.Printf("History: %s (%s)\n", strings.Join(hist, " → "), out.Constraint.Scope)
	}

	if out.Trace != nil {
		l := out.Trace.Lesson
		fmt.Printf("\n%s\n", headStyle.Render("Lesson"))
		fmt.Printf("  Pattern:      %s\n", l.Pattern)
		fmt.Printf("  Trigger:      %s\n", l.Trigger)
		fmt.Printf("  Rounds:       %d\n", l.Rounds)
		fmt.Printf("  Peak disagr.: %.4f\n", l.PeakDisagreement)
		fmt.Printf("  Mean disagr.: %.4f\n", l.MeanDisagreement)
		fmt.Printf("  Fingerprint:  %s\n", out.Trace.Fingerprint)
	}
	return nil
}

// #endregion detail-mode

// #region output

func renderState(s forgiveness.State, text string) string {
	if style, ok := stateColor[s]; ok {
		return style.Render(text)
	}
	return text
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// placeholder fills empty columns.
const placeholder = "-"

func witnessOf(c forgiveness.Case) string {
	if c.Witness == "" {
		return placeholder
	}
	return c.Witness
}

func shortID(id string) string {
	if id == "" {
		return placeholder
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
