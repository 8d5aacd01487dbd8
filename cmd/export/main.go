package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/constraint"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/learning"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/ledger"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/logging"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
)

var allKinds = []string{"constraint", "event", "trace", "audit"}

// #region main

func main() {
	dbPath := flag.String("db", "", "path to triad.db")
	outPath := flag.String("out", "", "output JSONL path (default stdout)")
	kinds := flag.String("kinds", strings.Join(allKinds, ","), "record kinds to export")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: export --db path/to/triad.db [--out dump.jsonl] [--kinds constraint,event,trace,audit]")
		os.Exit(2)
	}

	selected, err := parseKinds(*kinds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if err := run(context.Background(), *dbPath, *outPath, selected); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseKinds(s string) ([]string, error) {
	var out []string
	for _, k := range strings.Split(s, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if !slices.Contains(allKinds, k) {
			return nil, fmt.Errorf("unknown kind %q (want one of %s)", k, strings.Join(allKinds, ", "))
		}
		out = append(out, k)
	}
	return out, nil
}

// #endregion main

// #region export

// record is one JSONL line.
type record struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

type auditRecord struct {
	SubjectID string          `json:"subject_id"`
	Subject   string          `json:"subject"`
	Event     string          `json:"event"`
	Actor     string          `json:"actor,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func run(ctx context.Context, dbPath, outPath string, kinds []string) error {
	st, err := store.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()

	var w io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	counts := map[string]int{}
	emit := func(kind string, v any) error {
		counts[kind]++
		return enc.Encode(record{Kind: kind, Data: v})
	}

	db := st.DB()
	for _, kind := range kinds {
		switch kind {
		case "constraint":
			cs, err := constraint.NewStore(db).List(ctx)
			if err != nil {
				return err
			}
			for _, c := range cs {
				if err := emit(kind, c); err != nil {
					return err
				}
			}
		case "event":
			evs, err := ledger.New(db).AllEvents(ctx)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				if err := emit(kind, ev); err != nil {
					return err
				}
			}
		case "trace":
			ts, err := learning.NewStore(db).List(ctx)
			if err != nil {
				return err
			}
			for _, t := range ts {
				if err := emit(kind, t); err != nil {
					return err
				}
			}
		case "audit":
			entries, err := logging.ListEvents(ctx, db, "")
			if err != nil {
				return err
			}
			for _, e := range entries {
				r := auditRecord{
					SubjectID: e.SubjectID,
					Subject:   e.Subject,
					Event:     e.Event,
					Actor:     e.Actor,
					CreatedAt: e.CreatedAt,
				}
				if e.DetailJSON != "" {
					r.Detail = json.RawMessage(e.DetailJSON)
				}
				if err := emit(kind, r); err != nil {
					return err
				}
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], k))
	}
	fmt.Fprintf(os.Stderr, "exported %s\n", strings.Join(parts, ", "))
	return nil
}

// #endregion export
