package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"payflow/config"
	"payflow/logging"
)

type application struct {
	configPath string
	cfg        config.Config
	logger     *zap.Logger
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	app := &application{
		logger: zap.NewNop(),
		stdout: stdout,
		stderr: stderr,
	}

	root := &cobra.Command{
		Use:               "payflow",
		Short:             "Payment status service and watcher",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: app.initialize,
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = app.logger.Sync()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&app.configPath, "config", "", "path to a YAML configuration file")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, console)")

	root.AddCommand(
		app.serveCommand(),
		app.watchCommand(),
		app.migrateCommand(),
		app.configCommand(),
	)
	return root
}

func (app *application) initialize(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(app.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	app.cfg = cfg
	app.logger = logger
	return nil
}

func (app *application) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			out, err := config.Render(app.cfg)
			if err != nil {
				return err
			}
			_, err = io.WriteString(app.stdout, out)
			return err
		},
	}
	cmd.Flags().String("database-url", "", "PostgreSQL connection string")
	cmd.Flags().String("http-addr", "", "HTTP listen address")
	addPollFlags(cmd)
	return cmd
}

func addPollFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("interval", 0, "delay between status checks")
	cmd.Flags().Duration("timeout", 0, "give up after this long")
	cmd.Flags().Int("max-attempts", 0, "cap on status checks (0 means unlimited)")
}
