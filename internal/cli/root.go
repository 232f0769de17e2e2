// Package cli implements the ktunnel command line.
package cli

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/ktunnel/internal/config"
	"github.com/luciancaetano/ktunnel/internal/log"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// app carries the streams and persistent flags shared by every command.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	configPath string
	logLevel   string
}

// NewRootCommand builds the ktunnel command tree reading from in and
// writing to out and errOut.
func NewRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{in: in, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "ktunnel",
		Short: "ktunnel opens persistent WebSocket tunnels and serves them",
		Long: `ktunnel keeps a WebSocket connection to a tunnel server open, reconnecting
with exponential backoff, and exchanges named JSON messages over it.

Configuration is read from the YAML file given with --config; flags override it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newOpenCommand(a),
		newServeCommand(a),
		newRequestCommand(a),
		newVersionCommand(a),
	)
	return root
}

// load reads the configuration and builds the logger. Logs written to
// stderr go to the command's error stream. The returned func closes the log
// file, if any.
func (a *app) load() (*config.Config, *logrus.Logger, func(), error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	logger, err := log.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	if cfg.Log.Output == "" || cfg.Log.Output == "stderr" {
		logger.SetOutput(a.errOut)
	}
	closeLog := func() { _ = log.Close(logger) }
	return cfg, logger, closeLog, nil
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "ktunnel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}
