package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
	"github.com/spf13/cobra"
)

// NewSagaCommand creates the saga command
func NewSagaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Inspect persisted saga instances",
		Long: `Inspect persisted saga instances.

Examples:
  stoat saga list OrderSaga          # Running OrderSaga instances
  stoat saga list OrderSaga --all    # Including completed ones
  stoat saga show ID                 # One instance and its data
  stoat saga find OrderSaga o-123    # Instance by correlation value`,
	}

	cmd.AddCommand(newSagaListCommand())
	cmd.AddCommand(newSagaShowCommand())
	cmd.AddCommand(newSagaFindCommand())
	cmd.AddCommand(newSagaCleanupCommand())

	return cmd
}

func newSagaListCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list SAGA_TYPE",
		Short: "List instances of a saga type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			var statuses []adapters.SagaStatus
			if !all {
				statuses = append(statuses, adapters.SagaStatusRunning)
			}
			sagas, err := env.Adapter.SagaStore().FindByType(commandContext(cmd), args[0], statuses...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(sagas) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No "+args[0]+" instances"))
				return nil
			}

			table := ui.NewTable("ID", "State", "Status", "Correlation", "Updated", "Version")
			for _, s := range sagas {
				table.AddRow(
					s.ID,
					s.CurrentState,
					ui.StatusBadge(s.Status.String()),
					truncate(strings.Join(s.CorrelationKeys, ", "), 40),
					s.UpdatedAt.Format(time.RFC3339),
					fmt.Sprint(s.Version),
				)
			}
			fmt.Fprintln(out, table.Render())
			fmt.Fprintln(out, styles.Muted.Render(fmt.Sprintf("%d instance(s)", len(sagas))))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include completed instances")
	return cmd
}

func newSagaShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one saga instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			state, err := env.Adapter.SagaStore().Load(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSagaState(state))
			return nil
		},
	}
}

func newSagaFindCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "find SAGA_TYPE CORRELATION_VALUE",
		Short: "Find the instance a correlation value routes to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			state, err := env.Adapter.SagaStore().FindByCorrelationID(commandContext(cmd), args[0], args[1])
			if errors.Is(err, adapters.ErrSagaNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), styles.FormatWarning(
					fmt.Sprintf("No %s instance correlates with %q", args[0], args[1])))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSagaState(state))
			return nil
		},
	}
}

func newSagaCleanupCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := env.Adapter.SagaStore().Cleanup(commandContext(cmd), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.FormatSuccess(
				fmt.Sprintf("Deleted %d completed instance(s) older than %s", n, olderThan)))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Minimum age since completion")
	return cmd
}

func renderSagaState(s *adapters.SagaState) string {
	lines := []string{
		styles.Title.Render(s.Type),
		styles.FormatKeyValue("ID", s.ID),
		styles.FormatKeyValue("State", s.CurrentState),
		styles.FormatKeyValue("Status", ui.StatusBadge(s.Status.String())),
		styles.FormatKeyValue("Version", fmt.Sprint(s.Version)),
		styles.FormatKeyValue("Correlation", strings.Join(s.CorrelationKeys, ", ")),
		styles.FormatKeyValue("Started", s.StartedAt.Format(time.RFC3339)),
		styles.FormatKeyValue("Updated", s.UpdatedAt.Format(time.RFC3339)),
	}
	if s.CompletedAt != nil {
		lines = append(lines, styles.FormatKeyValue("Completed", s.CompletedAt.Format(time.RFC3339)))
	}
	if len(s.Data) > 0 {
		lines = append(lines, "", styles.Subtitle.Render("Data"), formatData(s.Data))
	}
	return strings.Join(lines, "\n")
}

// formatData indents JSON instance data; other encodings are shown by size.
func formatData(data []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return styles.Muted.Render(fmt.Sprintf("(%d bytes, not JSON)", len(data)))
	}
	return styles.Code.Render(buf.String())
}
