package main

import (
	"github.com/spf13/cobra"
)

// rootOptions holds global flags and the resolved configuration.
type rootOptions struct {
	cfg Config

	stateDir    string
	databaseURL string
	flowFile    string
	logLevel    string
}

// NewRootCommand creates the prayerpipe command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "prayerpipe",
		Short:        "PrayerPipe onboarding host",
		Long:         "Hosts PrayerPipe onboarding sessions with offline sync, interruption handling and crash recovery.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loadDotEnv()
			level := opts.logLevel
			if level == "" {
				level = envLogLevel()
			}
			lvl, err := parseLogLevel(level)
			if err != nil {
				return err
			}
			initializeLogger(cmd.ErrOrStderr(), lvl)

			opts.cfg = loadEnvironmentConfig()
			flags := cmd.Flags()
			if flags.Changed("state-dir") {
				opts.cfg.StateDir = opts.stateDir
			}
			if flags.Changed("database-url") {
				opts.cfg.DatabaseURL = opts.databaseURL
			}
			if flags.Changed("flow-file") {
				opts.cfg.FlowFile = opts.flowFile
			}
			opts.cfg.LogLevel = level
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.stateDir, "state-dir", DefaultStateDir, "state directory holding the local store and lock (env PRAYERPIPE_STATE_DIR)")
	cmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "Postgres DSN of the remote backend (env DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.flowFile, "flow-file", "", "YAML flow definition used when the server has none (env PRAYERPIPE_FLOW_FILE)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (env PRAYERPIPE_LOG_LEVEL)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	cmd.AddCommand(newRecoverCommand(opts))
	return cmd
}
