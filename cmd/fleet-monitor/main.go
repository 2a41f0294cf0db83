// cmd/fleet-monitor/main.go
// fleet-monitor is a terminal dashboard for a running coordinator. It polls
// the HTTP API and renders timing, telemetry, and the worker table.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"hashfleet/internal/client"
	"hashfleet/internal/discovery"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#60A5FA")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	stateStyles = map[string]lipgloss.Style{
		"disabled":    lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		"calibrating": lipgloss.NewStyle().Foreground(lipgloss.Color("#FBBF24")).Bold(true),
		"monitoring":  lipgloss.NewStyle().Foreground(lipgloss.Color("#34D399")).Bold(true),
		"locked":      lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA")).Bold(true),
	}
)

type statusMsg struct {
	status *client.Status
	err    error
}

type tickMsg time.Time

type model struct {
	api      *client.APIClient
	interval time.Duration
	status   *client.Status
	err      error
	workers  table.Model
}

func newModel(api *client.APIClient, interval time.Duration) model {
	columns := []table.Column{
		{Title: "ID", Width: 4},
		{Title: "Host", Width: 16},
		{Title: "State", Width: 8},
		{Title: "Range", Width: 26},
		{Title: "Acc", Width: 6},
		{Title: "Rej", Width: 6},
		{Title: "Temp", Width: 6},
		{Title: "GH/s", Width: 8},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(10),
		table.WithFocused(true),
	)
	return model{api: api, interval: interval, workers: t}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll, m.tick())
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) poll() tea.Msg {
	status, err := m.api.GetStatus()
	return statusMsg{status: status, err: err}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			go m.api.ForceCalibration()
			return m, nil
		case "t":
			if m.status != nil {
				enabled := m.status.Timing.Enabled
				go m.api.SetTimingEnabled(!enabled)
			}
			return m, nil
		}
	case tickMsg:
		return m, tea.Batch(m.poll, m.tick())
	case statusMsg:
		m.status = msg.status
		m.err = msg.err
		if msg.status != nil {
			rows := make([]table.Row, 0, len(msg.status.Workers))
			for _, w := range msg.status.Workers {
				rows = append(rows, table.Row{
					fmt.Sprintf("%d", w.ID),
					w.Hostname,
					w.StateStr,
					w.Assigned.String(),
					fmt.Sprintf("%d", w.SharesAccepted),
					fmt.Sprintf("%d", w.SharesRejected),
					fmt.Sprintf("%.0f", w.Telem.ChipTemp),
					fmt.Sprintf("%.1f", w.Telem.Hashrate/1e9),
				})
			}
			m.workers.SetRows(rows)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.workers, cmd = m.workers.Update(msg)
	return m, cmd
}

func (m model) View() string {
	s := headerStyle.Render("HASHFLEET MONITOR") + "\n\n"

	if m.err != nil {
		s += errorStyle.Render(fmt.Sprintf("poll failed: %v", m.err)) + "\n"
		return s
	}
	if m.status == nil {
		s += labelStyle.Render("connecting...") + "\n"
		return s
	}

	t := m.status.Timing
	stateStyle, ok := stateStyles[t.State]
	if !ok {
		stateStyle = labelStyle
	}
	timingPanel := panelStyle.Render(fmt.Sprintf(
		"%s %s\n%s %s  %s %s\n%s %s  %s %s",
		labelStyle.Render("timing:"), stateStyle.Render(t.State),
		labelStyle.Render("interval:"), valueStyle.Render(fmt.Sprintf("%dms", t.CurrentInterval)),
		labelStyle.Render("optimal:"), valueStyle.Render(fmt.Sprintf("%dms", t.OptimalInterval)),
		labelStyle.Render("rejection:"), valueStyle.Render(fmt.Sprintf("%.2f%%", t.RejectionRate)),
		labelStyle.Render("window:"), valueStyle.Render(fmt.Sprintf("%d/%d", t.WindowRejected, t.WindowAccepted+t.WindowRejected)),
	))

	tele := m.status.Telemetry
	sharesPanel := panelStyle.Render(fmt.Sprintf(
		"%s %s  %s %s  %s %s\n%s %s  %s %s",
		labelStyle.Render("accepted:"), valueStyle.Render(fmt.Sprintf("%d", tele.SharesAccepted)),
		labelStyle.Render("rejected:"), valueStyle.Render(fmt.Sprintf("%d", tele.SharesRejected)),
		labelStyle.Render("stale:"), valueStyle.Render(fmt.Sprintf("%d", tele.SharesStale)),
		labelStyle.Render("temp:"), valueStyle.Render(fmt.Sprintf("%.1fC", tele.Health.ChipTemp)),
		labelStyle.Render("input:"), valueStyle.Render(fmt.Sprintf("%.2fV", tele.Health.InputVoltage)),
	))

	s += lipgloss.JoinHorizontal(lipgloss.Top, timingPanel, " ", sharesPanel) + "\n\n"
	s += panelStyle.Render(m.workers.View()) + "\n"
	s += labelStyle.Render("q: quit  c: recalibrate  t: toggle timing") + "\n"
	return s
}

func main() {
	addr := flag.String("addr", "", "coordinator API base URL (empty = discover)")
	subnet := flag.String("subnet", "", "subnet to scan when discovering (CIDR)")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	baseURL := *addr
	if baseURL == "" {
		cfg := discovery.NewConfig()
		cfg.Subnet = *subnet
		results, err := discovery.DiscoverCoordinators(cfg)
		if err != nil {
			log.Fatalf("fleet-monitor: discovery failed: %v", err)
		}
		best := discovery.FindBest(results)
		if best == nil {
			log.Fatal("fleet-monitor: no coordinator found; pass -addr")
		}
		baseURL = fmt.Sprintf("http://%s", best.Address)
		log.Printf("fleet-monitor: using coordinator at %s", baseURL)
	}

	p := tea.NewProgram(newModel(client.NewAPIClient(baseURL), *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("fleet-monitor: %v", err)
	}
}
