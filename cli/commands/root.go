// Package commands provides the command implementations of the stoat CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// NewRootCommand creates the root command for the stoat CLI
func NewRootCommand() *cobra.Command {
	var (
		noColor    bool
		configFile string
	)

	rootCmd := &cobra.Command{
		Use:   "stoat",
		Short: "Operate stoat saga endpoints",
		Long: ui.Banner() + `

stoat inspects and maintains the persistent state of saga endpoints:
saga instances, the transactional outbox and the Redis scheduler.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("stoat init") + `             Create stoat.yaml
  ` + styles.Code.Render("stoat migrate") + `          Create the database tables
  ` + styles.Code.Render("stoat outbox status") + `    Count outbox messages by status
  ` + styles.Code.Render("stoat diagnose") + `         Check your setup`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				styles.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to stoat.yaml (default: search upwards from the working directory)")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewOutboxCommand())
	rootCmd.AddCommand(NewSagaCommand())
	rootCmd.AddCommand(NewSchedulerCommand())
	rootCmd.AddCommand(NewDiagnoseCommand())
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.FormatError(err.Error()))
		return err
	}

	return nil
}
