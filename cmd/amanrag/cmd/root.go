// Package cmd provides the CLI commands for amanrag.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/config"
	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/logging"
	"github.com/Aman-CERP/amanrag/internal/profiling"
	"github.com/Aman-CERP/amanrag/pkg/version"
)

// app is the state shared by every subcommand of one root command.
type app struct {
	projectDir string
	debug      bool
	profile    profiling.Options

	cfg    *config.Config
	cfgErr error

	session        *profiling.Session
	loggingCleanup func()
}

// NewRootCmd creates the root command for the amanrag CLI.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "amanrag",
		Short: "Hybrid vector and keyword search over a document corpus",
		Long: `amanrag ranks documents for natural-language queries by fusing
dense vector search with keyword (lexical) search.

Build an index from a JSONL corpus, then query it:

  amanrag index corpus.jsonl
  amanrag search "教室 削除"`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("amanrag version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&a.projectDir, "dir", "C", ".", "Directory holding the project config (.amanrag.yaml)")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging to stderr and ~/.amanrag/logs/")

	cmd.PersistentFlags().StringVar(&a.profile.CPUPath, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&a.profile.HeapPath, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&a.profile.TracePath, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = a.start
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error { return a.finish() }

	cmd.AddCommand(newIndexCmd(a))
	cmd.AddCommand(newSearchCmd(a))
	cmd.AddCommand(newStatsCmd(a))
	cmd.AddCommand(newEvalCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newVersionCmd())

	return cmd, a
}

// start loads configuration, installs logging and starts profiling.
// A configuration error is kept for the commands that need it.
func (a *app) start(cmd *cobra.Command, _ []string) error {
	a.cfg, a.cfgErr = config.Load(a.projectDir)

	logCfg := logging.DefaultConfig()
	if a.cfg != nil {
		logCfg.Level = a.cfg.Logging.Level
	}
	if a.debug {
		logCfg = logging.DebugConfig()
	}
	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	a.loggingCleanup = cleanup

	if a.profile.Enabled() {
		a.session, err = profiling.Start(a.profile)
		if err != nil {
			return err
		}
	}

	slog.Debug("command_started",
		slog.String("command", cmd.CommandPath()),
		slog.String("version", version.Version))
	return nil
}

// finish stops profiling and closes the log file. Safe to call twice.
func (a *app) finish() error {
	var err error
	if a.session != nil {
		err = a.session.Stop()
		a.session = nil
	}
	if a.loggingCleanup != nil {
		a.loggingCleanup()
		a.loggingCleanup = nil
	}
	return err
}

// config returns the loaded configuration or the error that prevented it.
func (a *app) config() (*config.Config, error) {
	if a.cfgErr != nil {
		return nil, a.cfgErr
	}
	if a.cfg == nil {
		return nil, amanerrors.InternalError("configuration not loaded", nil)
	}
	return a.cfg, nil
}

// Execute runs the root command until completion or SIGINT/SIGTERM and
// prints a failure with its error code.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, a := newRootCmd()
	err := cmd.ExecuteContext(ctx)
	// PersistentPostRunE is skipped when RunE fails.
	err = errors.Join(err, a.finish())
	if err != nil {
		_, _ = fmt.Fprint(os.Stderr, amanerrors.FormatForCLI(err))
	}
	return err
}
