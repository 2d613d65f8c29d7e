package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the saga, outbox and idempotency tables",
		Long: `Create the database schema and the stoat tables if they do not exist.

Migrations are idempotent; running them again is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if errors.Is(err, ErrMemoryDriver) {
				fmt.Fprintln(cmd.OutOrStdout(), styles.FormatInfo("Memory driver doesn't require migrations"))
				return nil
			}
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := commandContext(cmd)
			schema := env.Adapter.Schema()
			return runTask(cmd.OutOrStdout(), "Migrating schema "+schema+"...", func() (string, error) {
				if err := env.Adapter.Migrate(ctx); err != nil {
					return "Migration of " + schema + " failed", err
				}
				return "Schema " + schema + " is up to date", nil
			})
		},
	}
}

// runTask runs task behind a spinner on terminals and prints its result line
// otherwise.
func runTask(out io.Writer, message string, task func() (string, error)) error {
	if isTerminal(out) {
		return ui.RunWithSpinner(out, message, task)
	}

	result, err := task()
	if err != nil {
		fmt.Fprintln(out, styles.FormatError(result))
		return err
	}
	fmt.Fprintln(out, styles.FormatSuccess(result))
	return nil
}
