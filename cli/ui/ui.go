// Package ui provides the terminal components of the stoat CLI: a spinner
// for blocking calls, a progress bar for outbox draining, and tables.
package ui

import (
	"io"
	"strings"

	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// SpinnerModel is a spinner component with a message
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
	done     bool
	result   string
	err      error
}

// NewSpinner creates a new spinner with the given message
func NewSpinner(message string) SpinnerModel {
	s := spinner.New()
	s.Spinner = spinner.MiniDot
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)

	return SpinnerModel{
		spinner: s,
		message: message,
	}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m SpinnerModel) View() string {
	if m.done {
		if m.err != nil {
			return styles.FormatError(m.result+": "+m.err.Error()) + "\n"
		}
		return styles.FormatSuccess(m.result) + "\n"
	}

	if m.quitting {
		return styles.FormatWarning("Cancelled") + "\n"
	}

	return m.spinner.View() + " " + styles.Normal.Render(m.message) + "\n"
}

// SpinnerDoneMsg signals that the spinner operation is complete
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

// RunWithSpinner runs task while a spinner renders message to out, then
// prints the task's result line. The task's error is returned.
func RunWithSpinner(out io.Writer, message string, task func() (string, error)) error {
	p := tea.NewProgram(NewSpinner(message), tea.WithOutput(out), tea.WithInput(nil))

	var taskErr error
	go func() {
		result, err := task()
		taskErr = err
		p.Send(SpinnerDoneMsg{Result: result, Err: err})
	}()

	if _, err := p.Run(); err != nil {
		return err
	}
	return taskErr
}

// ProgressModel is a progress bar component
type ProgressModel struct {
	progress progress.Model
	percent  float64
	message  string
	done     bool
}

// NewProgress creates a new progress bar
func NewProgress(message string) ProgressModel {
	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
		progress.WithoutPercentage(),
	)

	return ProgressModel{
		progress: p,
		message:  message,
	}
}

func (m ProgressModel) Init() tea.Cmd {
	return nil
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case ProgressMsg:
		m.percent = msg.Percent
		m.message = msg.Message
		if m.percent >= 1.0 {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m ProgressModel) View() string {
	if m.done {
		return styles.FormatSuccess(m.message) + "\n"
	}

	return m.progress.ViewAs(m.percent) + " " + styles.Muted.Render(m.message) + "\n"
}

// ProgressMsg updates the progress bar
type ProgressMsg struct {
	Percent float64
	Message string
}

// Table renders rows under a header with box-drawing borders.
type Table struct {
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable creates a new table with headers
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	return &Table{
		headers: headers,
		widths:  widths,
	}
}

// AddRow adds a row. Missing cells are blank and extra cells are dropped.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	for i := range t.headers {
		if i < len(values) {
			row[i] = values[i]
			if w := lipgloss.Width(values[i]); w > t.widths[i] {
				t.widths[i] = w
			}
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table string
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Padding(0, 1)
	cellStyle := lipgloss.NewStyle().
		Foreground(styles.Text).
		Padding(0, 1)
	borderStyle := lipgloss.NewStyle().
		Foreground(styles.Border)

	var sb strings.Builder
	rule := func(left, mid, right string) {
		sb.WriteString(borderStyle.Render(left))
		for i, w := range t.widths {
			sb.WriteString(borderStyle.Render(strings.Repeat("─", w+2)))
			if i < len(t.widths)-1 {
				sb.WriteString(borderStyle.Render(mid))
			}
		}
		sb.WriteString(borderStyle.Render(right))
	}
	line := func(cells []string, style lipgloss.Style) {
		sb.WriteString(borderStyle.Render("│"))
		for i, c := range cells {
			sb.WriteString(style.Width(t.widths[i] + 2).Render(c))
			sb.WriteString(borderStyle.Render("│"))
		}
		sb.WriteString("\n")
	}

	rule("┌", "┬", "┐")
	sb.WriteString("\n")
	line(t.headers, headerStyle)
	rule("├", "┼", "┤")
	sb.WriteString("\n")
	for _, row := range t.rows {
		line(row, cellStyle)
	}
	rule("└", "┴", "┘")

	return sb.String()
}

// StatusBadge returns a styled badge for outbox and saga statuses.
func StatusBadge(status string) string {
	style := lipgloss.NewStyle().Padding(0, 1)
	switch strings.ToLower(status) {
	case "completed", "running", "ok", "healthy":
		style = style.Background(styles.Success).Foreground(lipgloss.Color("#000000"))
	case "pending", "processing", "waiting":
		style = style.Background(styles.Warning).Foreground(lipgloss.Color("#000000"))
	case "failed", "deadletter", "error":
		style = style.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		style = style.Background(styles.Surface).Foreground(styles.Text)
	}
	return style.Render(status)
}

// Banner returns the one-line CLI banner.
func Banner() string {
	return styles.IconStoat + " " + lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Render("stoat") +
		" " +
		styles.Muted.Render("- saga correlation and message scheduling for Go")
}

// Divider returns a horizontal divider line
func Divider(width int) string {
	return styles.Muted.Render(strings.Repeat("─", width))
}
