package cycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/dwelling"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/logging"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/triad"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const batchYAML = `
candidates:
  - id: C1
    rounds:
      - {structural: 0.9, relational: 0.4, grounded: 0.85}
  - id: calm
    rounds:
      - {structural: 0.7, relational: 0.7, grounded: 0.7}
  - id: flagged
    rounds:
      - {structural: 0.6, relational: 0.6, grounded: 0.6, violation: "license mismatch"}
      - {structural: 0.6, relational: 0.6, grounded: 0.6, violation: "license mismatch"}
  - id: unscored
`

func newDriver(t *testing.T, maxAge int) (*Driver, *BatchSource, *dwelling.Field) {
	t.Helper()
	batch, err := candidate.ParseBatch([]byte(batchYAML))
	require.NoError(t, err)

	st, err := store.NewStore(filepath.Join(t.TempDir(), "cycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zaptest.NewLogger(t)
	audit := logging.NewAuditor(st.DB(), logger)
	field := dwelling.NewField(logger, audit)
	op := forgiveness.NewOperator(forgiveness.Deps{Store: st, Field: field, Audit: audit, Logger: logger})
	eval := triad.NewScript(batch.Candidates).Evaluator()

	d := NewDriver(eval, field, op, Config{MaxAge: maxAge, Concurrency: 2}, logger)
	return d, NewBatchSource(batch), field
}

func TestRunOnceEscalatesAfterConsecutiveRounds(t *testing.T) {
	d, src, field := newDriver(t, 0)
	ctx := context.Background()

	var reports []Report
	for i := 0; i < 3; i++ {
		items, err := src.Next(ctx)
		require.NoError(t, err)
		rep, err := d.RunOnce(ctx, items)
		require.NoError(t, err)
		reports = append(reports, rep)
	}

	require.Equal(t, 3, reports[0].Scored)
	require.Equal(t, 1, reports[0].Discarded, "unscored candidate discards its round")
	require.Empty(t, reports[0].Escalated)

	require.Empty(t, reports[1].Escalated, "two violation rounds are not enough")

	require.ElementsMatch(t, []string{"C1", "flagged"}, escalatedIDs(reports[2]))
	for _, cs := range reports[2].Escalated {
		require.Equal(t, forgiveness.StateConfessed, cs.State)
	}

	calm, err := field.Get("calm")
	require.NoError(t, err)
	require.Equal(t, 3, calm.Age)
	require.False(t, calm.Resolved)

	_, err = field.Get("unscored")
	require.ErrorIs(t, err, dwelling.ErrUnknownEntry)
}

func escalatedIDs(r Report) []string {
	ids := make([]string, 0, len(r.Escalated))
	for _, cs := range r.Escalated {
		ids = append(ids, cs.CandidateID)
	}
	return ids
}

func TestRunRoundsEscalatesFromFreshField(t *testing.T) {
	d, src, field := newDriver(t, 0)
	ctx := context.Background()

	require.Equal(t, 2, src.Rounds())
	single, err := d.RunRounds(ctx, src, 1)
	require.NoError(t, err)
	require.Len(t, single, 1)
	require.Empty(t, single[0].Escalated, "one round never escalates")

	more, err := d.RunRounds(ctx, src, 2)
	require.NoError(t, err)
	require.Len(t, more, 2)
	require.Equal(t, 3, more[1].Cycle)
	require.ElementsMatch(t, []string{"C1", "flagged"}, escalatedIDs(more[1]))

	c1, err := field.Get("C1")
	require.NoError(t, err)
	require.True(t, c1.Escalated)
	require.Equal(t, 3, c1.Age)
}

func TestRunRoundsStopsOnSourceError(t *testing.T) {
	d, _, _ := newDriver(t, 0)
	calls := 0
	src := SourceFunc(func(context.Context) ([]Item, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("feed closed")
		}
		return nil, nil
	})

	reports, err := d.RunRounds(context.Background(), src, 3)
	require.ErrorContains(t, err, "feed closed")
	require.Len(t, reports, 1)
}

func TestRunOnceExpiresOnlyUnescalated(t *testing.T) {
	d, src, field := newDriver(t, 2)
	ctx := context.Background()

	var last Report
	for i := 0; i < 3; i++ {
		items, err := src.Next(ctx)
		require.NoError(t, err)
		last, err = d.RunOnce(ctx, items)
		require.NoError(t, err)
	}

	require.Len(t, last.Expired, 1)
	require.Equal(t, "calm", last.Expired[0].Candidate.ID)

	_, err := field.Get("calm")
	require.ErrorIs(t, err, dwelling.ErrUnknownEntry)
	flagged, err := field.Get("flagged")
	require.NoError(t, err)
	require.True(t, flagged.Escalated)
}

func TestRunStopsOnCancel(t *testing.T) {
	d, src, _ := newDriver(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cycles []int
	err := d.Run(ctx, src, time.Millisecond, func(r Report) {
		cycles = append(cycles, r.Cycle)
		if len(cycles) == 3 {
			cancel()
		}
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, cycles)
}
