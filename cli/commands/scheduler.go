package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/config"
	"github.com/AshkanYarmoradi/go-stoat/scheduler/redis"
	"github.com/spf13/cobra"
)

// NewSchedulerCommand creates the scheduler command
func NewSchedulerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Inspect and run the Redis message scheduler",
		Long: `Inspect and run the Redis message scheduler.

Due messages are written to the postgres outbox of the configured endpoint,
routed by the routes section of stoat.yaml.

Examples:
  stoat scheduler pending     # Number of scheduled messages
  stoat scheduler run         # Deliver due messages until interrupted
  stoat scheduler run --once  # Deliver what is due now and exit`,
	}

	cmd.AddCommand(newSchedulerPendingCommand())
	cmd.AddCommand(newSchedulerRunCommand())

	return cmd
}

func newSchedulerPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Count scheduled messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := commandContext(cmd)
			scheduler, err := newRelayScheduler(ctx, env)
			if err != nil {
				return err
			}

			n, err := scheduler.Pending(ctx)
			if err != nil {
				return err
			}
			dead, err := scheduler.DeadLettered(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styles.FormatKeyValue(styles.IconClock+" Scheduled", fmt.Sprint(n)))
			fmt.Fprintln(out, styles.FormatKeyValue("Dead-lettered", fmt.Sprint(dead)))
			return nil
		},
	}
}

func newSchedulerRunCommand() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Deliver due scheduled messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			scheduler, err := newRelayScheduler(ctx, env)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if once {
				n, err := scheduler.DeliverDue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Delivered %d scheduled message(s)", n)))
				return nil
			}

			fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf(
				"Delivering scheduled messages every %s (Ctrl+C to stop)", env.Config.Scheduler.Redis.PollInterval)))
			scheduler.Run(ctx)
			fmt.Fprintln(out, styles.FormatInfo("Scheduler stopped"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Deliver due messages once and exit")
	return cmd
}

// newRelayScheduler builds a Redis scheduler that relays due messages into
// the endpoint's outbox without decoding their payloads.
func newRelayScheduler(ctx context.Context, env *Env) (*redis.Scheduler, error) {
	client, err := env.Redis(ctx)
	if err != nil {
		return nil, err
	}

	cfg := env.Config
	transport := stoat.NewOutboxTransport(env.Adapter.OutboxStore(), relayTransportOptions(cfg)...)

	return redis.New(client, transport,
		redis.WithSerializer(relaySerializer{}),
		redis.WithKeyPrefix(cfg.Scheduler.Redis.KeyPrefix),
		redis.WithPollInterval(cfg.Scheduler.Redis.PollInterval),
		redis.WithRetryBackoff(cfg.Outbox.RetryBackoff),
		redis.WithMaxAttempts(cfg.Outbox.MaxRetries),
		redis.WithLogger(env.Logger),
	), nil
}

func relayTransportOptions(cfg *config.Config) []stoat.OutboxOption {
	opts := []stoat.OutboxOption{
		stoat.WithEndpointName(cfg.Endpoint.Name),
		stoat.WithOutboxSerializer(relaySerializer{}),
		stoat.WithOutboxMaxAttempts(cfg.Outbox.MaxRetries),
	}
	for messageType, destination := range cfg.Routes {
		opts = append(opts,
			stoat.WithRoute(messageType, destination),
			stoat.WithPublishRoute(messageType, destination))
	}
	return opts
}

// relayMessage is a payload carried through unchanged under its type name.
type relayMessage struct {
	messageType string
	payload     []byte
}

func (m relayMessage) MessageType() string { return m.messageType }

// relaySerializer moves payloads between the scheduler and the outbox as
// opaque bytes.
type relaySerializer struct{}

func (relaySerializer) Serialize(msg interface{}) ([]byte, error) {
	m, ok := msg.(relayMessage)
	if !ok {
		return nil, stoat.NewSerializationError(stoat.MessageTypeOf(msg), "serialize",
			errors.New("only relayed payloads can be serialized"))
	}
	return m.payload, nil
}

func (relaySerializer) Deserialize(data []byte, messageType string) (interface{}, error) {
	return relayMessage{messageType: messageType, payload: data}, nil
}
