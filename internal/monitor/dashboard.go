package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second

	pendingWarn  = 10
	pendingError = 50
)

// Model represents the BubbleTea dashboard model
type Model struct {
	source     Source
	target     string
	interval   time.Duration
	now        func() time.Time
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool

	baselineProgress progress.Model
	activeProgress   progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	// Dim style - for units and secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a new dashboard model polling src every interval.
// target is shown to the operator when the source is unreachable.
func NewModel(src Source, target string, interval time.Duration) Model {
	return Model{
		source:   src,
		target:   target,
		interval: interval,
		now:      time.Now,
		baselineProgress: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(30),
			progress.WithoutPercentage(),
		),
		activeProgress: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(40),
			progress.WithoutPercentage(),
		),
		snapshot: Snapshot{
			PendingHistory:    make([]float64, 0, historySize),
			MeanWeightHistory: make([]float64, 0, historySize),
			ActiveHistory:     make([]float64, 0, historySize),
		},
	}
}

// getPendingBadge returns a colored badge for the audit queue depth
func getPendingBadge(pending int) string {
	switch {
	case pending < pendingWarn:
		return healthyStyle.Render("[✓]")
	case pending < pendingError:
		return warningStyle.Render("[⚠]")
	default:
		return errorStyle.Render("[✗]")
	}
}

// getStatusBadge returns overall daemon status badge
func getStatusBadge(s Snapshot) string {
	switch {
	case s.Status != "ok":
		return errorStyle.Render("✗ ERROR")
	case s.TelemetryDegraded || s.EventsFailed > 0:
		return warningStyle.Render("⚠ WARN")
	default:
		return healthyStyle.Render("✓ HEALTHY")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.source, m.now),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshot(src Source, now func() time.Time) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		snap, err := Fetch(ctx, src, now())
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.source, m.now)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.source, m.now),
		)

	case snapshotMsg:
		next := Snapshot(msg)
		next.PendingHistory = appendToHistory(m.snapshot.PendingHistory, float64(next.Pending))
		next.MeanWeightHistory = appendToHistory(m.snapshot.MeanWeightHistory, next.Volume.MeanWeight)
		next.ActiveHistory = appendToHistory(m.snapshot.ActiveHistory, float64(next.Volume.Active))

		m.snapshot = next
		m.lastUpdate = next.FetchedAt
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render("verdict Monitor")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach verdictd") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.target) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Check that the daemon is running and --server points at its HTTP port.") + "\n\n")
	b.WriteString(m.footer())

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) renderDashboard() string {
	s := m.snapshot
	var b strings.Builder

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("15:04:05")
	}

	b.WriteString(headerStyle.Render(" verdict Monitor ") + "\n")
	fmt.Fprintf(&b, "%s   %s   %s   %s\n",
		getStatusBadge(s),
		dimStyle.Render("Baselines:"),
		valueStyle.Render(fmt.Sprintf("v%d", s.BaselineVersion)),
		dimStyle.Render(lastUpdateStr))

	b.WriteString("\n" + sectionStyle.Render("┃ Confidence Gate") + "\n")
	if len(s.Baselines) == 0 {
		b.WriteString(labelStyle.Render("  default: ") +
			valueStyle.Render(fmt.Sprintf("%.3f", s.DefaultBaseline)) +
			dimStyle.Render("  no category history yet") + "\n")
	}
	for _, bl := range s.Baselines {
		b.WriteString(labelStyle.Render(fmt.Sprintf("  %-14s ", bl.Category)) +
			m.baselineProgress.ViewAs(bl.Value) + " " +
			valueStyle.Render(FormatBaseline(bl.Value, bl.Accuracy, bl.Samples)) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Audit Queue") + "\n")
	b.WriteString(labelStyle.Render("  Pending: ") +
		valueStyle.Render(fmt.Sprintf("%d", s.Pending)) +
		" " + getPendingBadge(s.Pending) +
		"   " + createSparkline(s.PendingHistory) + "\n")
	b.WriteString(labelStyle.Render("  Oldest: ") +
		valueStyle.Render(FormatAge(s.OldestPending)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Epitaphs") + "\n")
	b.WriteString(labelStyle.Render("  Mean weight: ") +
		valueStyle.Render(FormatWeight(s.Volume.MeanWeight)) +
		"   " + createSparkline(s.MeanWeightHistory) + "\n")
	b.WriteString(labelStyle.Render("  Active: ") +
		m.activeProgress.ViewAs(s.activeShare()) + " " +
		dimStyle.Render(fmt.Sprintf("%s  %d active / %d dormant / %d total",
			FormatPercentage(s.activeShare()), s.Volume.Active, s.Volume.Dormant, s.Volume.Total)) + "\n")
	b.WriteString(labelStyle.Render("  Mean age: ") +
		valueStyle.Render(fmt.Sprintf("%.1fd", s.Volume.MeanAgeDays)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Analysis") + "\n")
	running := "idle"
	if s.AnalysisRunning {
		running = "running"
	}
	b.WriteString(labelStyle.Render("  State: ") + valueStyle.Render(running))
	if s.Scheduler != nil {
		b.WriteString(labelStyle.Render("   Last run: ") +
			valueStyle.Render(FormatLastRun(s.Scheduler.LastRun, s.FetchedAt)))
		if s.Scheduler.LastStatus != "" {
			b.WriteString(dimStyle.Render(fmt.Sprintf(" (%s, %d runs)", s.Scheduler.LastStatus, s.Scheduler.Runs)))
		}
	} else {
		b.WriteString(dimStyle.Render("   scheduler disabled"))
	}
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("  Active escalations: ") +
		valueStyle.Render(fmt.Sprintf("%d", s.ActiveEscalations)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Events") + "\n")
	b.WriteString(labelStyle.Render("  Published: ") +
		valueStyle.Render(fmt.Sprintf("%d", s.EventsPublished)) +
		labelStyle.Render("  Failed: ") +
		valueStyle.Render(fmt.Sprintf("%d", s.EventsFailed)) + "\n")

	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}

func (m Model) footer() string {
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}
