package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
	"github.com/AshkanYarmoradi/go-stoat/config"
	"github.com/AshkanYarmoradi/go-stoat/scheduler/redis"
	"github.com/spf13/cobra"
)

// NewDiagnoseCommand creates the diagnose command
func NewDiagnoseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Run diagnostic checks",
		Long: `Run diagnostic checks on your stoat setup.

This command verifies:
  • Configuration file validity
  • Database connectivity and tables
  • Outbox health
  • Redis scheduler connectivity`,
		Aliases: []string{"diag", "doctor"},
		Args:    cobra.NoArgs,
		RunE:    runDiagnose,
	}
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, ui.Banner())
	fmt.Fprintln(out)

	d := &diagnosis{cmd: cmd}
	defer d.close()

	checks := []DiagnosticCheck{
		{Name: "Go Version", Check: checkGoVersion},
		{Name: "Configuration", Check: d.checkConfiguration},
		{Name: "Database Connection", Check: d.checkDatabase},
		{Name: "Tables", Check: d.checkTables},
		{Name: "Outbox", Check: d.checkOutbox},
		{Name: "Redis Scheduler", Check: d.checkRedis},
	}

	results := make([]CheckResult, 0, len(checks))
	allPassed := true

	for _, check := range checks {
		fmt.Fprintf(out, "  %s Checking %s... ", styles.IconPending, check.Name)

		result := check.Check(commandContext(cmd))
		results = append(results, result)

		switch result.Status {
		case StatusOK:
			fmt.Fprintln(out, styles.SuccessStyle.Render("OK"))
		case StatusWarning:
			fmt.Fprintln(out, styles.WarningStyle.Render("WARNING"))
			allPassed = false
		default:
			fmt.Fprintln(out, styles.ErrorStyle.Render("FAILED"))
			allPassed = false
		}

		if result.Message != "" {
			fmt.Fprintf(out, "    %s\n", styles.Muted.Render(result.Message))
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Divider(50))
	fmt.Fprintln(out)

	if allPassed {
		fmt.Fprintln(out, styles.FormatSuccess("All checks passed! Your stoat setup is healthy."))
		return nil
	}

	fmt.Fprintln(out, styles.FormatWarning("Some checks failed or have warnings."))
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Subtitle.Render("Recommendations:"))
	for _, r := range results {
		if r.Recommendation != "" {
			fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, r.Recommendation)
		}
	}
	return nil
}

// CheckStatus represents the status of a diagnostic check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

// CheckResult represents the result of a diagnostic check
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

func newCheckResult(name string, status CheckStatus, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message}
}

func (r CheckResult) withRecommendation(rec string) CheckResult {
	r.Recommendation = rec
	return r
}

// DiagnosticCheck represents a diagnostic check function
type DiagnosticCheck struct {
	Name  string
	Check func(ctx context.Context) CheckResult
}

// diagnosis shares the loaded configuration and connections between checks.
type diagnosis struct {
	cmd    *cobra.Command
	cfg    *config.Config
	cfgErr error
	env    *Env
	envErr error
	opened bool
}

func (d *diagnosis) configuration() (*config.Config, error) {
	if d.cfg == nil && d.cfgErr == nil {
		d.cfg, _, d.cfgErr = loadConfig(d.cmd)
	}
	return d.cfg, d.cfgErr
}

func (d *diagnosis) open() (*Env, error) {
	if !d.opened {
		d.opened = true
		d.env, d.envErr = openEnv(d.cmd)
	}
	return d.env, d.envErr
}

func (d *diagnosis) close() {
	if d.env != nil {
		d.env.Close()
	}
}

func checkGoVersion(context.Context) CheckResult {
	return newCheckResult("Go Version", StatusOK, runtime.Version())
}

func (d *diagnosis) checkConfiguration(context.Context) CheckResult {
	const name = "Configuration"
	cfg, err := d.configuration()
	if err != nil {
		return newCheckResult(name, StatusWarning, err.Error()).
			withRecommendation("Run 'stoat init' to create a configuration file")
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return newCheckResult(name, StatusWarning, fmt.Sprintf("%d validation error(s)", len(problems))).
			withRecommendation(problems[0])
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("Endpoint: %s, Driver: %s, Scheduler: %s",
		cfg.Endpoint.Name, cfg.Database.Driver, cfg.Scheduler.Kind))
}

// skipWithoutDatabase returns a result when the check cannot reach a database.
func (d *diagnosis) skipWithoutDatabase(name string) (*Env, *CheckResult) {
	if _, err := d.configuration(); err != nil {
		r := newCheckResult(name, StatusWarning, "Skipped (no configuration)")
		return nil, &r
	}
	env, err := d.open()
	if errors.Is(err, ErrMemoryDriver) {
		r := newCheckResult(name, StatusOK, "Skipped (memory driver)")
		return nil, &r
	}
	if err != nil {
		r := newCheckResult(name, StatusError, err.Error()).withRecommendation("Verify database.url and that PostgreSQL is running")
		return nil, &r
	}
	return env, nil
}

func (d *diagnosis) checkDatabase(context.Context) CheckResult {
	const name = "Database Connection"
	env, skipped := d.skipWithoutDatabase(name)
	if skipped != nil {
		return *skipped
	}
	return newCheckResult(name, StatusOK, "Connected, schema "+env.Adapter.Schema())
}

func (d *diagnosis) checkTables(ctx context.Context) CheckResult {
	const name = "Tables"
	env, skipped := d.skipWithoutDatabase(name)
	if skipped != nil {
		return *skipped
	}
	sagas, err := env.Adapter.SagaStore().CountByStatus(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Run 'stoat migrate' to create the tables")
	}
	if _, err := env.Adapter.OutboxStore().CountByStatus(ctx); err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Run 'stoat migrate' to create the tables")
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("%d running and %d completed saga(s)",
		sagas[adapters.SagaStatusRunning], sagas[adapters.SagaStatusCompleted]))
}

func (d *diagnosis) checkOutbox(ctx context.Context) CheckResult {
	const name = "Outbox"
	env, skipped := d.skipWithoutDatabase(name)
	if skipped != nil {
		return *skipped
	}
	counts, err := env.Adapter.OutboxStore().CountByStatus(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}
	message := fmt.Sprintf("%d pending, %d failed, %d dead-lettered",
		counts[adapters.OutboxPending], counts[adapters.OutboxFailed], counts[adapters.OutboxDeadLetter])
	if counts[adapters.OutboxDeadLetter] > 0 {
		return newCheckResult(name, StatusWarning, message).
			withRecommendation("Inspect dead letters with 'stoat outbox dead-letters'")
	}
	return newCheckResult(name, StatusOK, message)
}

func (d *diagnosis) checkRedis(ctx context.Context) CheckResult {
	const name = "Redis Scheduler"
	cfg, err := d.configuration()
	if err != nil {
		return newCheckResult(name, StatusWarning, "Skipped (no configuration)")
	}
	if cfg.Scheduler.Kind != config.SchedulerRedis {
		return newCheckResult(name, StatusOK, "Skipped (transport scheduler)")
	}

	client, err := newRedisClient(ctx, cfg.Scheduler.Redis)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Verify scheduler.redis.addr")
	}
	defer client.Close()

	pending, err := redis.New(client, nil, redis.WithKeyPrefix(cfg.Scheduler.Redis.KeyPrefix)).Pending(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("Connected to %s, %d scheduled message(s)", cfg.Scheduler.Redis.Addr, pending))
}

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Banner())
			fmt.Fprintln(out)

			table := ui.NewTable("", "")
			table.AddRow("Version", version)
			table.AddRow("Commit", commit)
			table.AddRow("Built", date)
			table.AddRow("Go", runtime.Version())
			table.AddRow("OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))

			fmt.Fprintln(out, table.Render())
			return nil
		},
	}
}
