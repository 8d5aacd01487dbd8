package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/logging"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/replay"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to triad.db (audit mode)")
	fixturePath := flag.String("fixture", "", "path to fixture YAML (fixture mode)")
	verbose := flag.Bool("v", false, "log controller activity to stderr")
	flag.Parse()

	if (*dbPath == "" && *fixturePath == "") || (*dbPath != "" && *fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --db path/to/triad.db")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.yaml")
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := logging.NewLogger("debug", false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			os.Exit(2)
		}
		logger = l
	}

	ctx := context.Background()
	var exitCode int
	if *fixturePath != "" {
		exitCode = runFixtureMode(ctx, *fixturePath, logger)
	} else {
		exitCode = runDBMode(ctx, *dbPath)
	}
	_ = logger.Sync()
	os.Exit(exitCode)
}

// #endregion main

// #region fixture-mode

func runFixtureMode(ctx context.Context, path string, logger *zap.Logger) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	res, err := replay.Replay(ctx, f, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}

	if f.Description != "" {
		fmt.Printf("%s\n\n", f.Description)
	}
	fmt.Printf("%-4s| %-10s| %-14s| %-14s| %s\n", "Step", "Action", "Candidate", "State", "Error")
	fmt.Printf("%-4s+%-11s+%-15s+%-15s+%s\n", "----", "-----------", "---------------", "---------------", "------")
	for _, s := range res.Steps {
		errText := ""
		if s.Err != nil {
			errText = s.Err.Error()
		}
		state := string(s.State)
		if s.Report != nil {
			state = fmt.Sprintf("+%d escalated", len(s.Report.Escalated))
		}
		fmt.Printf("%-4d| %-10s| %-14s| %-14s| %s\n", s.Index, s.Step.Action, s.Step.Candidate, state, errText)
	}

	sum := res.Summary
	fmt.Printf("\nSummary: %d steps, %d cycles, %d escalated, %d released, %d denied, %d expired, %d traces\n",
		sum.Steps, sum.Cycles, sum.Escalated, sum.Released, sum.Denied, sum.Expired, sum.Traces)

	if len(res.Drift) == 0 {
		fmt.Println("No drift.")
		return 0
	}
	fmt.Printf("\n%d drift:\n", len(res.Drift))
	for _, d := range res.Drift {
		fmt.Printf("  %s\n", d)
	}
	return 1
}

// #endregion fixture-mode

// #region db-mode

// runDBMode re-validates a live store and replays every confession's trail.
func runDBMode(ctx context.Context, dbPath string) int {
	st, err := store.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer st.Close()

	op := forgiveness.NewOperator(forgiveness.Deps{Store: st})

	exitCode := 0
	if err := op.Check(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "validation: %v\n", err)
		if !errors.Is(err, store.ErrCorrupt) {
			return 2
		}
		exitCode = 3
	}

	cases, err := op.Cases(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list confessions: %v\n", err)
		return 2
	}
	if len(cases) == 0 {
		fmt.Fprintln(os.Stderr, "no confessions found")
		return exitCode
	}

	fmt.Printf("%-10s| %-12s| %-12s| %s\n", "Confession", "Candidate", "State", "Trail")
	fmt.Printf("%-10s+%-13s+%-13s+%s\n", "----------", "-------------", "-------------", "------")
	for _, c := range cases {
		trail, err := op.Trail(ctx, c.ConfessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "trail %s: %v\n", c.ConfessionID, err)
			return 2
		}
		names := make([]string, len(trail))
		for i, s := range trail {
			names[i] = string(s)
		}
		fmt.Printf("%-10s| %-12s| %-12s| %s\n", shortID(c.ConfessionID), shortID(c.CandidateID), c.State, strings.Join(names, " > "))
	}
	return exitCode
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion db-mode
