package commands

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/adapters/postgres"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
	"github.com/AshkanYarmoradi/go-stoat/outbox/kafka"
	"github.com/AshkanYarmoradi/go-stoat/outbox/webhook"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var outboxStatuses = []adapters.OutboxStatus{
	adapters.OutboxPending,
	adapters.OutboxProcessing,
	adapters.OutboxCompleted,
	adapters.OutboxFailed,
	adapters.OutboxDeadLetter,
}

// NewOutboxCommand creates the outbox command
func NewOutboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and maintain the transactional outbox",
		Long: `Inspect and maintain the transactional outbox.

Examples:
  stoat outbox status               # Message counts by status
  stoat outbox dead-letters         # List dead-lettered messages
  stoat outbox requeue              # Requeue every dead letter
  stoat outbox requeue ID [ID...]   # Requeue some dead letters
  stoat outbox drain                # Deliver every due message now`,
	}

	cmd.AddCommand(newOutboxStatusCommand())
	cmd.AddCommand(newOutboxDeadLettersCommand())
	cmd.AddCommand(newOutboxRequeueCommand())
	cmd.AddCommand(newOutboxRetryCommand())
	cmd.AddCommand(newOutboxCleanupCommand())
	cmd.AddCommand(newOutboxDrainCommand())

	return cmd
}

func newOutboxStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show message counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			counts, err := env.Adapter.OutboxStore().CountByStatus(commandContext(cmd))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styles.Title.Render(styles.IconInbox+" Outbox"))
			fmt.Fprintln(out, renderOutboxCounts(counts))
			if counts[adapters.OutboxDeadLetter] > 0 {
				fmt.Fprintln(out, styles.FormatWarning(fmt.Sprintf(
					"%d dead-lettered message(s); inspect with 'stoat outbox dead-letters'",
					counts[adapters.OutboxDeadLetter])))
			}
			return nil
		},
	}
}

func renderOutboxCounts(counts map[adapters.OutboxStatus]int64) string {
	table := ui.NewTable("Status", "Messages")
	for _, status := range outboxStatuses {
		table.AddRow(ui.StatusBadge(status.String()), strconv.FormatInt(counts[status], 10))
	}
	return table.Render()
}

func newOutboxDeadLettersCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "List dead-lettered messages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			messages, err := env.Adapter.OutboxStore().GetDeadLetterMessages(commandContext(cmd), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(messages) == 0 {
				fmt.Fprintln(out, styles.FormatSuccess("No dead-lettered messages"))
				return nil
			}
			fmt.Fprintln(out, renderOutboxMessages(messages))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum number of messages to list")
	return cmd
}

func renderOutboxMessages(messages []*adapters.OutboxMessage) string {
	table := ui.NewTable("ID", "Type", "Destination", "Attempts", "Last Error")
	for _, m := range messages {
		table.AddRow(
			m.ID,
			m.MessageType,
			m.Destination,
			fmt.Sprintf("%d/%d", m.Attempts, m.MaxAttempts),
			truncate(m.LastError, 60),
		)
	}
	return table.Render()
}

func newOutboxRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [id...]",
		Short: "Move dead-lettered messages back to pending",
		Long: `Move dead-lettered messages back to pending with their attempts reset.
Without arguments every dead letter is requeued.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := env.Adapter.OutboxStore().RequeueDeadLetters(commandContext(cmd), args...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.FormatSuccess(fmt.Sprintf("Requeued %d message(s)", n)))
			return nil
		},
	}
}

func newOutboxRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry failed messages and dead-letter exhausted ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := commandContext(cmd)
			store := env.Adapter.OutboxStore()
			maxRetries := env.Config.Outbox.MaxRetries

			retried, err := store.RetryFailed(ctx, maxRetries)
			if err != nil {
				return err
			}
			dead, err := store.MoveToDeadLetter(ctx, maxRetries)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Retried %d message(s)", retried)))
			if dead > 0 {
				fmt.Fprintln(out, styles.FormatWarning(fmt.Sprintf("Dead-lettered %d message(s)", dead)))
			}
			return nil
		},
	}
}

func newOutboxCleanupCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			if !cmd.Flags().Changed("older-than") {
				olderThan = env.Config.Outbox.CleanupAge
			}
			n, err := env.Adapter.OutboxStore().Cleanup(commandContext(cmd), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.FormatSuccess(
				fmt.Sprintf("Deleted %d completed message(s) older than %s", n, olderThan)))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum age of deleted messages (default: outbox.cleanup_age)")
	return cmd
}

func newOutboxDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver every due message",
		Long: `Deliver every due message to its webhook or Kafka destination, then exit.

Kafka delivery is enabled by outbox.kafka_brokers. Messages for other
destinations (local endpoints, SNS) are left to their endpoint's processor
and count as failed attempts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := commandContext(cmd)
			store := env.Adapter.OutboxStore()

			processor, closePublishers := newDrainProcessor(env, store)
			defer closePublishers()

			counts, err := store.CountByStatus(ctx)
			if err != nil {
				return err
			}
			return drain(ctx, cmd.OutOrStdout(), processor, counts[adapters.OutboxPending])
		},
	}
}

// newDrainProcessor builds a processor with the publishers the configuration enables.
func newDrainProcessor(env *Env, store *postgres.OutboxStore) (*stoat.OutboxProcessor, func()) {
	cfg := env.Config.Outbox

	var webhookOpts []webhook.Option
	if cfg.WebhookTimeout > 0 {
		webhookOpts = append(webhookOpts, webhook.WithTimeout(cfg.WebhookTimeout))
	}

	opts := []stoat.ProcessorOption{
		stoat.WithBatchSize(cfg.BatchSize),
		stoat.WithMaxRetries(cfg.MaxRetries),
		stoat.WithProcessorLogger(env.Logger),
		stoat.WithPublisher(webhook.New(webhookOpts...)),
	}

	closer := func() {}
	if len(cfg.KafkaBrokers) > 0 {
		k := kafka.New(kafka.WithBrokers(cfg.KafkaBrokers...))
		opts = append(opts, stoat.WithPublisher(k))
		closer = func() { _ = k.Close() }
	}

	return stoat.NewOutboxProcessor(store, opts...), closer
}

// drain processes batches until none are due, reporting progress against
// pending, the number of pending messages when draining started.
func drain(ctx context.Context, out io.Writer, processor *stoat.OutboxProcessor, pending int64) error {
	if pending == 0 {
		fmt.Fprintln(out, styles.FormatSuccess("Outbox is empty"))
		return nil
	}

	var program *tea.Program
	if isTerminal(out) {
		program = tea.NewProgram(ui.NewProgress("Draining outbox"), tea.WithOutput(out))
		go func() { _, _ = program.Run() }()
		defer program.Quit()
	}

	report := func(delivered int, final bool) {
		message := fmt.Sprintf("%d/%d delivered", delivered, pending)
		percent := float64(delivered) / float64(pending)
		if final {
			message = fmt.Sprintf("Delivered %d message(s)", delivered)
			percent = 1
		}
		if percent > 1 {
			percent = 1
		}
		if program != nil {
			program.Send(ui.ProgressMsg{Percent: percent, Message: message})
			return
		}
		fmt.Fprintln(out, styles.FormatInfo(message))
	}

	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			report(delivered, true)
			return err
		}
		n, err := processor.ProcessOnce(ctx)
		delivered += n
		if err != nil {
			report(delivered, true)
			return err
		}
		if n == 0 {
			break
		}
		report(delivered, false)
	}

	report(delivered, true)
	if program != nil {
		program.Wait()
	}
	if int64(delivered) < pending {
		fmt.Fprintln(out, styles.FormatWarning(fmt.Sprintf(
			"%d message(s) not delivered (failed or not yet due); see 'stoat outbox status'",
			pending-int64(delivered))))
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
