package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sarveshkapre/clone/pkg/alerts"
	"github.com/sarveshkapre/clone/pkg/serve"
)

const (
	refreshInterval = 2 * time.Second
	actionTimeout   = 2 * time.Minute
	eventsVisible   = 8
)

// App is the dashboard state
type App struct {
	client      *Client
	snapshot    *serve.Snapshot
	err         error
	connected   bool
	lastUpdate  time.Time
	quitting    bool
	autoRefresh bool

	eventPosition int

	// Pending confirmation for a destructive action
	confirmStop bool
	busy        string
	notice      string
	noticeErr   bool
}

// NewApp creates a new dashboard
func NewApp(client *Client) *App {
	return &App{
		client:      client,
		autoRefresh: true,
	}
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("cyan")).
			Bold(true).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Padding(0, 1)

	pausedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("blue"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Padding(0, 1)
)

// Messages
type snapshotMsg struct {
	snapshot *serve.Snapshot
	err      error
}

type actionMsg struct {
	action string
	ok     bool
	detail string
	err    error
}

type tickMsg time.Time

// Init initializes the application
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.refreshCmd(),
		a.tick(),
	)
}

// Update handles messages and updates state
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		if a.confirmStop && key != "y" {
			a.confirmStop = false
			a.notice = "Stop cancelled"
			a.noticeErr = false
		}
		switch key {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit

		case "R":
			return a, a.refreshCmd()

		case " ":
			a.autoRefresh = !a.autoRefresh
			if a.autoRefresh {
				return a, a.tick()
			}
			return a, nil

		case "up", "k":
			if a.eventPosition > 0 {
				a.eventPosition--
			}
			return a, nil

		case "down", "j":
			if a.eventPosition < a.maxEventPosition() {
				a.eventPosition++
			}
			return a, nil

		case "n":
			return a, a.actionCmd("normalize")

		case "a":
			return a, a.actionCmd("run-next")

		case "s":
			a.confirmStop = true
			a.notice = "Press [y] to stop the loop, any other key to cancel"
			a.noticeErr = false
			return a, nil

		case "y":
			if a.confirmStop {
				a.confirmStop = false
				return a, a.actionCmd("stop")
			}
		}

	case snapshotMsg:
		if msg.err != nil {
			a.err = msg.err
			a.connected = false
		} else {
			a.snapshot = msg.snapshot
			a.err = nil
			a.connected = true
			a.lastUpdate = time.Now()
			if a.eventPosition > a.maxEventPosition() {
				a.eventPosition = a.maxEventPosition()
			}
		}
		return a, nil

	case actionMsg:
		a.busy = ""
		switch {
		case msg.err != nil:
			a.notice = fmt.Sprintf("%s failed: %s", msg.action, msg.err)
			a.noticeErr = true
		case !msg.ok:
			a.notice = fmt.Sprintf("%s: %s", msg.action, msg.detail)
			a.noticeErr = true
		default:
			a.notice = fmt.Sprintf("%s: %s", msg.action, msg.detail)
			a.noticeErr = false
		}
		return a, a.refreshCmd()

	case tickMsg:
		if !a.quitting && a.autoRefresh {
			return a, tea.Batch(a.refreshCmd(), a.tick())
		}
		return a, nil
	}

	return a, nil
}

func (a *App) maxEventPosition() int {
	if a.snapshot == nil || len(a.snapshot.LatestEvents) <= eventsVisible {
		return 0
	}
	return len(a.snapshot.LatestEvents) - eventsVisible
}

func (a *App) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Clone Control Plane"))
	b.WriteString("\n\n")

	if a.connected {
		refresh := "auto"
		if !a.autoRefresh {
			refresh = "paused"
		}
		b.WriteString(statusStyle.Render(fmt.Sprintf("Connected: %s | Last Update: %s | Refresh: %s",
			a.client.BaseURL(),
			a.lastUpdate.Format("15:04:05"),
			refresh)))
	} else if a.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Connection Error: %s", a.err.Error())))
	} else {
		b.WriteString(statusStyle.Render("Connecting..."))
	}
	b.WriteString("\n\n")

	if a.snapshot != nil {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			a.renderRunPanel(),
			a.renderControlPanel()))
		b.WriteString("\n")
		b.WriteString(a.renderAlertsPanel())
		b.WriteString("\n")
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			a.renderNotifyPanel(),
			a.renderAgentPanel()))
		b.WriteString("\n")
		b.WriteString(a.renderEventsPanel())
	}

	if a.busy != "" {
		b.WriteString("\n")
		b.WriteString(pausedStyle.Render(fmt.Sprintf("Running %s...", a.busy)))
	} else if a.notice != "" {
		b.WriteString("\n")
		style := statusStyle
		if a.noticeErr {
			style = errorStyle
		}
		b.WriteString(style.Render(a.notice))
	}

	b.WriteString("\n\n")
	b.WriteString(a.renderHelp())

	return b.String()
}

func (a *App) renderRunPanel() string {
	var b strings.Builder
	snap := a.snapshot

	b.WriteString(titleStyle.Render("Latest Run"))
	b.WriteString("\n")

	if snap.LatestRun == nil {
		b.WriteString(pausedStyle.Render("No runs found"))
		b.WriteString("\n")
		return borderStyle.Width(50).Render(b.String())
	}

	run := snap.LatestRun
	stateStyle := statusStyle
	if !snap.Overview.ReactorOnline {
		stateStyle = pausedStyle
	}
	b.WriteString(stateStyle.Render(fmt.Sprintf("Run: %s", run.RunID)))
	b.WriteString("\n")
	b.WriteString(stateStyle.Render(fmt.Sprintf("State: %s (pid %d)", run.State, run.PID)))
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(fmt.Sprintf("Cycle: %d | Workers: %d", run.LatestCycle, run.SpawnedWorkers)))
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(fmt.Sprintf("Repos: %d started, %d ended, %d lock skips",
		run.ReposStarted, run.ReposEnded, run.ReposSkippedLock)))
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(fmt.Sprintf("Commits: %d | Runs: %d | Catalog: %d",
		len(snap.RunCommits), snap.Overview.RunsTotal, snap.Overview.ReposTotal)))
	b.WriteString("\n")

	return borderStyle.Width(50).Render(b.String())
}

func (a *App) renderControlPanel() string {
	var b strings.Builder
	cs := a.snapshot.ControlStatus

	b.WriteString(titleStyle.Render("Processes"))
	b.WriteString("\n")

	switch {
	case cs.MultipleLoopsDetected:
		b.WriteString(errorStyle.Render(fmt.Sprintf("%d loop groups: %v", cs.LoopGroupsCount, cs.LoopGroupIDs)))
	case cs.Active:
		b.WriteString(statusStyle.Render(fmt.Sprintf("Active (%d processes)", len(cs.LoopPIDs))))
	default:
		b.WriteString(pausedStyle.Render("Inactive"))
	}
	b.WriteString("\n")

	if cs.ManagedLauncherPID > 0 {
		launcher := "exited"
		if cs.ManagedLauncherAlive {
			launcher = "alive"
		}
		b.WriteString(statusStyle.Render(fmt.Sprintf("Launcher: %d (%s)", cs.ManagedLauncherPID, launcher)))
		b.WriteString("\n")
	}
	if !cs.ScriptExists {
		b.WriteString(errorStyle.Render("Loop script missing"))
		b.WriteString("\n")
	}

	return borderStyle.Width(40).Render(b.String())
}

func severityStyle(sev alerts.Severity) lipgloss.Style {
	switch sev {
	case alerts.SeverityCritical:
		return errorStyle
	case alerts.SeverityWarn:
		return pausedStyle
	default:
		return statusStyle
	}
}

func (a *App) renderAlertsPanel() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Alerts"))
	b.WriteString("\n")

	if len(a.snapshot.Alerts) == 0 {
		b.WriteString(helpStyle.Render("No alerts"))
		b.WriteString("\n")
	}
	for _, al := range a.snapshot.Alerts {
		b.WriteString(severityStyle(al.Severity).Render(fmt.Sprintf("[%s] %s: %s",
			al.Severity, al.Title, truncate(al.Detail, 60))))
		b.WriteString("\n")
	}

	return borderStyle.Width(92).Render(b.String())
}

func (a *App) renderNotifyPanel() string {
	var b strings.Builder
	ns := a.snapshot.NotificationStatus

	b.WriteString(titleStyle.Render("Notifications"))
	b.WriteString("\n")

	switch {
	case !ns.Enabled:
		b.WriteString(pausedStyle.Render("Disabled"))
	case !ns.WebhookConfigured:
		b.WriteString(errorStyle.Render("Enabled, no webhook"))
	default:
		b.WriteString(statusStyle.Render(fmt.Sprintf("Enabled (>= %s, %ds cooldown)", ns.MinSeverity, ns.CooldownSeconds)))
	}
	b.WriteString("\n")
	if ns.LastEvent != nil {
		b.WriteString(helpStyle.Render(fmt.Sprintf("Last: %s %s %s", ns.LastEvent.Status, ns.LastEvent.AlertID, ns.LastEvent.TS)))
		b.WriteString("\n")
	}

	return borderStyle.Width(50).Render(b.String())
}

func (a *App) renderAgentPanel() string {
	var b strings.Builder
	ag := a.snapshot.AgentStatus

	b.WriteString(titleStyle.Render("Autopilot"))
	b.WriteString("\n")

	if ag.Config.Enabled {
		b.WriteString(statusStyle.Render(fmt.Sprintf("Enabled (%s, every %ds)", ag.Config.Mode, ag.Config.IntervalSeconds)))
	} else {
		b.WriteString(pausedStyle.Render("Disabled"))
	}
	b.WriteString("\n")
	if len(ag.Plan) > 0 {
		b.WriteString(statusStyle.Render(fmt.Sprintf("Next: %s", ag.Plan[0].Label)))
		b.WriteString("\n")
	}
	if n := len(ag.State.RecentActions); n > 0 {
		last := ag.State.RecentActions[n-1]
		b.WriteString(helpStyle.Render(fmt.Sprintf("Last: %s %s", last.Status, last.Action)))
		b.WriteString("\n")
	}

	return borderStyle.Width(40).Render(b.String())
}

func (a *App) renderEventsPanel() string {
	var b strings.Builder
	events := a.snapshot.LatestEvents

	b.WriteString(titleStyle.Render("Events"))
	b.WriteString("\n")

	if len(events) == 0 {
		b.WriteString(helpStyle.Render("No events"))
		b.WriteString("\n")
	} else {
		start := a.eventPosition
		end := start + eventsVisible
		if end > len(events) {
			end = len(events)
		}
		for _, ev := range events[start:end] {
			b.WriteString(statusStyle.Render(fmt.Sprintf("[%s] %s", ev.TS, truncate(ev.Message, 70))))
			b.WriteString("\n")
		}
		if len(events) > eventsVisible {
			b.WriteString(helpStyle.Render(fmt.Sprintf("Showing %d-%d of %d events (use ↑/↓ to scroll)",
				start+1, end, len(events))))
			b.WriteString("\n")
		}
	}

	return borderStyle.Width(92).Render(b.String())
}

func (a *App) renderHelp() string {
	return helpStyle.Render("Commands: [R] Refresh | [Space] Toggle Auto-Refresh | [n] Normalize | [s] Stop | [a] Autopilot Step | [↑/↓] Scroll Events | [q] Quit")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Commands
func (a *App) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		snap, err := a.client.Snapshot(ctx)
		return snapshotMsg{snapshot: snap, err: err}
	}
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) actionCmd(action string) tea.Cmd {
	a.busy = action
	a.notice = ""
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return a.runAction(ctx, action)
	}
}

func (a *App) runAction(ctx context.Context, action string) actionMsg {
	switch action {
	case "normalize":
		res, err := a.client.Normalize(ctx)
		if err != nil {
			return actionMsg{action: action, err: err}
		}
		return actionMsg{action: action, ok: res.OK, detail: firstNonEmpty(res.Error, res.Message, fmt.Sprintf("kept group %d", res.KeptGroup))}
	case "stop":
		res, err := a.client.Stop(ctx, false)
		if err != nil {
			return actionMsg{action: action, err: err}
		}
		return actionMsg{action: action, ok: res.OK, detail: firstNonEmpty(res.Error, res.Message, fmt.Sprintf("signaled %v", res.SignaledPIDs))}
	case "run-next":
		res, err := a.client.RunNext(ctx)
		if err != nil {
			return actionMsg{action: action, err: err}
		}
		detail := res.Reason
		if res.Step != nil {
			detail = res.Step.Label
		}
		return actionMsg{action: action, ok: res.OK, detail: firstNonEmpty(detail, "done")}
	}
	return actionMsg{action: action, err: fmt.Errorf("unknown action %q", action)}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
