package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/candidate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/codec"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/cycle"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/dwelling"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/gate"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/logging"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/triad"
)

var (
	runOnce       bool
	runRounds     int
	runInterval   time.Duration
	runCandidates string
)

// #region commands
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run dwelling cycles over a candidate batch",
	Long: `Loads durable state, re-validates it, then scores every candidate in the
batch once per cycle. With --once the batch is replayed for --rounds back-to-back
cycles against one dwelling field and every report is printed as JSON. Exits 3
if the store fails validation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		if runOnce {
			n := oneShotRounds(runRounds, rt.source.Rounds(), cfg.Gate.ConsecutiveRounds)
			reports, err := rt.driver.RunRounds(cmd.Context(), rt.source, n)
			if err != nil {
				return err
			}
			return printJSON(reports)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return rt.driver.Run(ctx, rt.source, cfg.Interval, logReport)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run dwelling cycles and expose the release service over gRPC",
	Long: `Runs continuous dwelling cycles and serves triad.v1.ReleaseService on the
listen address so witnesses and authorizers can act on open confessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		lis, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}
		srv := grpc.NewServer()
		codec.RegisterReleaseServiceServer(srv, &codec.ReleaseServer{Op: rt.op})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("release service listening", zap.String("addr", lis.Addr().String()))
			return srv.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			srv.GracefulStop()
			return nil
		})
		g.Go(func() error {
			err := rt.driver.Run(gctx, rt.source, cfg.Interval, logReport)
			stop()
			return err
		})
		return g.Wait()
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "replay the batch and exit")
	runCmd.Flags().IntVar(&runRounds, "rounds", 0, "cycles to run with --once (default: enough for the batch and the gate)")
	for _, c := range []*cobra.Command{runCmd, serveCmd} {
		c.Flags().DurationVar(&runInterval, "interval", 0, "cycle interval (overrides config)")
		c.Flags().StringVar(&runCandidates, "candidates", "", "YAML candidate batch (overrides config)")
	}
}

// #endregion commands

// #region runtime
type runtime struct {
	st     *store.Store
	op     *forgiveness.Operator
	driver *cycle.Driver
	source *cycle.BatchSource
	facets *codec.FacetClient
}

// openRuntime opens and re-validates the store, then wires the cycle driver.
func openRuntime(ctx context.Context) (*runtime, error) {
	if runInterval > 0 {
		cfg.Interval = runInterval
	}
	if runCandidates != "" {
		cfg.CandidatesPath = runCandidates
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	rt := &runtime{st: st}

	audit := logging.NewAuditor(st.DB(), logger)
	field := dwelling.NewField(logger, audit)
	rt.op = forgiveness.NewOperator(forgiveness.Deps{
		Store:          st,
		Field:          field,
		Gate:           gate.NewGate(cfg.Gate),
		Audit:          audit,
		Logger:         logger,
		SystemIdentity: cfg.SystemIdentity,
	})
	if err := rt.op.Check(ctx); err != nil {
		rt.close()
		return nil, fmt.Errorf("startup validation: %w", err)
	}

	batch, err := candidate.LoadBatch(cfg.CandidatesPath)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.source = cycle.NewBatchSource(batch)

	var eval *triad.Evaluator
	if cfg.FacetAddr != "" {
		if rt.facets, err = codec.DialFacets(cfg.FacetAddr); err != nil {
			rt.close()
			return nil, err
		}
		if eval, err = rt.facets.Evaluator(); err != nil {
			rt.close()
			return nil, err
		}
	} else {
		eval = triad.NewScript(batch.Candidates).Evaluator()
	}

	rt.driver = cycle.NewDriver(eval, field, rt.op, cycle.Config{
		MaxAge:      cfg.DwellingMaxAge,
		Concurrency: cfg.Concurrency,
	}, logger)

	logger.Info("controller ready",
		zap.String("db", cfg.DBPath),
		zap.String("candidates", cfg.CandidatesPath),
		zap.Int("candidate_count", len(batch.Candidates)),
		zap.Float64("disagreement_threshold", cfg.Gate.DisagreementThreshold),
		zap.Int("consecutive_rounds", cfg.Gate.ConsecutiveRounds),
		zap.Int("dwelling_max_age", cfg.DwellingMaxAge),
	)
	return rt, nil
}

func (rt *runtime) close() {
	if rt.facets != nil {
		rt.facets.Close()
	}
	rt.st.Close()
}

// #endregion runtime

// #region helpers
func logReport(r cycle.Report) {
	for _, cs := range r.Escalated {
		logger.Info("awaiting witness",
			zap.String("confession_id", cs.ConfessionID),
			zap.String("candidate_id", cs.CandidateID),
		)
	}
}

// oneShotRounds picks the cycle count for --once: the explicit flag, otherwise
// enough cycles to play every scripted round and fill the gate's window.
func oneShotRounds(flag, scripted, consecutive int) int {
	if flag > 0 {
		return flag
	}
	return max(scripted, consecutive, 1)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion helpers
