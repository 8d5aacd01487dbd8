package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/config"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/logging"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
)

// exitCorrupt is returned when durable state fails re-validation.
const exitCorrupt = 3

var (
	configPath string
	cfg        config.Config
	logger     *zap.Logger
)

// #region root
var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "Triadic release controller",
	Long: `Scores candidates on three facets, lets unresolved candidates dwell, and
raises a constraint when the facets keep disagreeing. A raised constraint is
only released after an external witness and an explicit grant.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if logger, err = logging.NewLogger(cfg.LogLevel, cfg.LogJSON); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TRIAD_CONFIG"), "TOML config file")

	rootCmd.AddCommand(runCmd, serveCmd)
	rootCmd.AddCommand(witnessCmd, authorizeCmd, withdrawCmd, resubmitCmd, statusCmd, awaitCmd)
}

// #endregion root

// #region main
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, store.ErrCorrupt) {
			os.Exit(exitCorrupt)
		}
		os.Exit(1)
	}
}

// #endregion main
