package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/codec"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/ledger"
)

var (
	addr     string
	identity string
	reason   string
	timeout  time.Duration
	targets  []string
)

// #region commands
var witnessCmd = &cobra.Command{
	Use:   "witness <confession-id>",
	Short: "Acknowledge a confession as its external witness",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *codec.ReleaseClient) (any, error) {
			state, err := c.Witness(ctx, args[0], identity)
			return map[string]any{"confession_id": args[0], "state": state}, err
		})
	},
}

var authorizeCmd = &cobra.Command{
	Use:   "authorize <confession-id> grant|deny",
	Short: "Grant or deny the release of a witnessed confession",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision := ledger.Decision(args[1])
		if !decision.Valid() {
			return fmt.Errorf("decision must be grant or deny, got %q", args[1])
		}
		return withClient(cmd.Context(), func(ctx context.Context, c *codec.ReleaseClient) (any, error) {
			return c.Authorize(ctx, args[0], identity, decision)
		})
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <confession-id>",
	Short: "Withdraw a confession; its constraint stays active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *codec.ReleaseClient) (any, error) {
			state, err := c.Withdraw(ctx, args[0], identity, reason)
			return map[string]any{"confession_id": args[0], "state": state}, err
		})
	},
}

var resubmitCmd = &cobra.Command{
	Use:   "resubmit <confession-id>",
	Short: "Replace a denied confession with a fresh one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *codec.ReleaseClient) (any, error) {
			return c.Resubmit(ctx, args[0], identity)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <confession-id>",
	Short: "Show a confession's workflow state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *codec.ReleaseClient) (any, error) {
			return c.Status(ctx, args[0])
		})
	},
}

var awaitCmd = &cobra.Command{
	Use:   "await <confession-id>",
	Short: "Block until a confession reaches a target state, ends, or is denied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		states := make([]forgiveness.State, 0, len(targets))
		for _, t := range targets {
			states = append(states, forgiveness.State(t))
		}
		return withClient(cmd.Context(), func(ctx context.Context, c *codec.ReleaseClient) (any, error) {
			return c.Await(ctx, args[0], states...)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{witnessCmd, authorizeCmd, withdrawCmd, resubmitCmd, statusCmd, awaitCmd} {
		c.Flags().StringVar(&addr, "addr", "", "release service address (default: listen_addr from config)")
		c.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")
	}
	for _, c := range []*cobra.Command{witnessCmd, authorizeCmd, withdrawCmd, resubmitCmd} {
		c.Flags().StringVar(&identity, "as", "", "identity acting on the confession (required)")
		_ = c.MarkFlagRequired("as")
	}
	withdrawCmd.Flags().StringVar(&reason, "reason", "", "why the confession is withdrawn")
	awaitCmd.Flags().StringSliceVar(&targets, "until", []string{string(forgiveness.StateReleased)}, "target states")
}

// #endregion commands

// #region helpers
func withClient(ctx context.Context, fn func(context.Context, *codec.ReleaseClient) (any, error)) error {
	target := addr
	if target == "" {
		target = cfg.ListenAddr
	}
	c, err := codec.DialRelease(target)
	if err != nil {
		return err
	}
	defer c.Close()
	c.Timeout = timeout

	out, err := fn(ctx, c)
	if err != nil {
		return err
	}
	return printJSON(out)
}

// #endregion helpers
