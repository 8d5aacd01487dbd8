package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/dwelling"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/logging"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/triad"
)

// #region types
// Item is one candidate to score in a cycle, with any external violation signal.
type Item struct {
	Candidate candidate.Candidate
	Violation string
}

// Source supplies the candidates for each cycle.
type Source interface {
	Next(ctx context.Context) ([]Item, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc func(ctx context.Context) ([]Item, error)

func (f SourceFunc) Next(ctx context.Context) ([]Item, error) { return f(ctx) }

// Report summarises one cycle.
type Report struct {
	Cycle     int                `json:"cycle"`
	Scored    int                `json:"scored"`
	Discarded int                `json:"discarded"` // rounds dropped on evaluation errors
	Skipped   int                `json:"skipped"`   // candidates already resolved
	Escalated []forgiveness.Case `json:"escalated,omitempty"`
	Expired   []dwelling.Entry   `json:"expired,omitempty"`
}

// Config tunes a Driver.
type Config struct {
	MaxAge      int // dwelling_max_age; 0 disables expiry
	Concurrency int // candidates scored in parallel; <1 means 4
}

// #endregion types

// #region driver
// Driver runs dwelling cycles: score every candidate, record the round, ask the
// operator whether to escalate, then expire stale entries.
type Driver struct {
	eval   *triad.Evaluator
	field  *dwelling.Field
	op     *forgiveness.Operator
	config Config
	logger *zap.Logger

	mu    sync.Mutex
	cycle int
}

// NewDriver wires a driver.
func NewDriver(eval *triad.Evaluator, field *dwelling.Field, op *forgiveness.Operator, config Config, logger *zap.Logger) *Driver {
	if config.Concurrency < 1 {
		config.Concurrency = 4
	}
	return &Driver{
		eval:   eval,
		field:  field,
		op:     op,
		config: config,
		logger: logging.OrNop(logger),
	}
}

// RunOnce executes a single cycle over items. Evaluation errors discard the
// round for that candidate only; any other error aborts the cycle.
func (d *Driver) RunOnce(ctx context.Context, items []Item) (Report, error) {
	d.mu.Lock()
	d.cycle++
	rep := Report{Cycle: d.cycle}
	d.mu.Unlock()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)
	for _, it := range items {
		g.Go(func() error {
			cs, outcome, err := d.step(gctx, it)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case stepScored:
				rep.Scored++
			case stepDiscarded:
				rep.Discarded++
			case stepSkipped:
				rep.Skipped++
			case stepEscalated:
				rep.Scored++
				rep.Escalated = append(rep.Escalated, cs)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return rep, fmt.Errorf("cycle %d: %w", rep.Cycle, err)
	}

	if d.config.MaxAge > 0 {
		rep.Expired = d.field.Expire(ctx, d.config.MaxAge)
	}
	d.logger.Info("cycle complete",
		zap.Int("cycle", rep.Cycle),
		zap.Int("scored", rep.Scored),
		zap.Int("discarded", rep.Discarded),
		zap.Int("skipped", rep.Skipped),
		zap.Int("escalated", len(rep.Escalated)),
		zap.Int("expired", len(rep.Expired)),
	)
	return rep, nil
}

type stepOutcome int

const (
	stepScored stepOutcome = iota
	stepDiscarded
	stepSkipped
	stepEscalated
)

func (d *Driver) step(ctx context.Context, it Item) (forgiveness.Case, stepOutcome, error) {
	id := it.Candidate.ID
	if e, err := d.field.Get(id); err == nil && e.Resolved {
		return forgiveness.Case{}, stepSkipped, nil
	}

	t, err := d.eval.Evaluate(ctx, it.Candidate)
	if errors.Is(err, triad.ErrEvaluation) {
		d.logger.Warn("round discarded",
			zap.String("candidate_id", id),
			zap.Error(err),
		)
		return forgiveness.Case{}, stepDiscarded, nil
	}
	if err != nil {
		return forgiveness.Case{}, stepDiscarded, err
	}

	entry, err := d.field.SubmitWithViolation(it.Candidate, t, it.Violation)
	if errors.Is(err, dwelling.ErrResolved) {
		return forgiveness.Case{}, stepSkipped, nil
	}
	if err != nil {
		return forgiveness.Case{}, stepDiscarded, err
	}
	d.logger.Debug("round recorded",
		zap.String("candidate_id", id),
		zap.Int("age", entry.Age),
		zap.Float64("disagreement", entry.LastDisagreement()),
	)

	cs, opened, err := d.op.Detect(ctx, id)
	if err != nil {
		return forgiveness.Case{}, stepScored, err
	}
	if opened {
		return cs, stepEscalated, nil
	}
	return forgiveness.Case{}, stepScored, nil
}

// RunRounds executes n back-to-back cycles from src against the same dwelling
// field, so a one-shot invocation can still build up the consecutive rounds the
// gate needs. Reports gathered before an error are returned with it.
func (d *Driver) RunRounds(ctx context.Context, src Source, n int) ([]Report, error) {
	reports := make([]Report, 0, n)
	for i := 0; i < n; i++ {
		items, err := src.Next(ctx)
		if err != nil {
			return reports, fmt.Errorf("next batch: %w", err)
		}
		rep, err := d.RunOnce(ctx, items)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// Run repeats cycles every interval until ctx is cancelled. onReport, if set,
// sees every completed cycle. A cancelled context is a normal stop.
func (d *Driver) Run(ctx context.Context, src Source, interval time.Duration, onReport func(Report)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		items, err := src.Next(ctx)
		if err != nil {
			return fmt.Errorf("next batch: %w", err)
		}
		rep, err := d.RunOnce(ctx, items)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if onReport != nil {
			onReport(rep)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// #endregion driver

// #region batch-source
// BatchSource replays a batch file: every cycle yields all candidates, with the
// violation of the scripted round for that cycle or the item-level violation.
type BatchSource struct {
	mu    sync.Mutex
	items []candidate.BatchItem
	cycle int
}

// NewBatchSource wraps a parsed batch.
func NewBatchSource(b candidate.Batch) *BatchSource {
	return &BatchSource{items: b.Candidates}
}

// Rounds is the longest scripted round list in the batch, or 1 when nothing is
// scripted.
func (s *BatchSource) Rounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 1
	for _, it := range s.items {
		n = max(n, len(it.Rounds))
	}
	return n
}

func (s *BatchSource) Next(context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		violation := it.Violation
		if n := len(it.Rounds); n > 0 {
			i := s.cycle
			if i >= n {
				i = n - 1
			}
			if v := it.Rounds[i].Violation; v != "" {
				violation = v
			}
		}
		out = append(out, Item{Candidate: it.Candidate, Violation: violation})
	}
	s.cycle++
	return out, nil
}

// #endregion batch-source
