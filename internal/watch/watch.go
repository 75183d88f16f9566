// internal/watch/watch.go
//
// Live terminal view of a running beaver-mail instance. It connects to the
// realtime websocket channel, subscribes to every channel including queue, and
// renders the orchestrator state, counters, queue activity and recent events.
//
// bubbletea flow: websocket message -> incomingMsg -> Update -> View.

package watch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ChuLiYu/beaver-mail/internal/realtime"
	"github.com/ChuLiYu/beaver-mail/internal/registry"
)

const (
	maxEvents       = 15
	refreshInterval = 5 * time.Second
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F5A623"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	valueStyle  = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))

	stateStyles = map[string]lipgloss.Style{
		"idle":       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		"checking":   lipgloss.NewStyle().Foreground(lipgloss.Color("#50A0FF")),
		"processing": lipgloss.NewStyle().Foreground(lipgloss.Color("#F5A623")),
		"saving":     lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B")),
		"error":      lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")),
	}
)

// Source the realtime connection the model reads from
type Source interface {
	Next() (realtime.Incoming, error)
	Send(msg realtime.ClientMessage) error
}

type incomingMsg realtime.Incoming

type connErrMsg struct{ err error }

type refreshMsg time.Time

type eventLine struct {
	at      time.Time
	channel string
	name    string
	detail  string
}

// Model bubbletea model for the watch screen
type Model struct {
	src Source

	running   bool
	state     string
	uptime    string
	lastError string
	processed int64
	drafted   int64
	errors    int64

	queueActivity map[string]int
	events        []eventLine
	err           error
	width         int
}

// NewModel builds a model bound to src
func NewModel(src Source) Model {
	return Model{
		src:           src,
		state:         "unknown",
		queueActivity: make(map[string]int),
	}
}

func waitForMessage(src Source) tea.Cmd {
	return func() tea.Msg {
		msg, err := src.Next()
		if err != nil {
			return connErrMsg{err: err}
		}
		return incomingMsg(msg)
	}
}

func send(src Source, msg realtime.ClientMessage) tea.Cmd {
	return func() tea.Msg {
		if err := src.Send(msg); err != nil {
			return connErrMsg{err: err}
		}
		return nil
	}
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		send(m.src, realtime.ClientMessage{Type: realtime.TypeSubscribe, Channels: []string{registry.ChannelQueue}}),
		send(m.src, realtime.ClientMessage{Type: realtime.TypeGetStatus}),
		waitForMessage(m.src),
		scheduleRefresh(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, send(m.src, realtime.ClientMessage{Type: realtime.TypeGetStatus})
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case refreshMsg:
		return m, tea.Batch(send(m.src, realtime.ClientMessage{Type: realtime.TypeGetStatus}), scheduleRefresh())

	case connErrMsg:
		m.err = msg.err
		return m, tea.Quit

	case incomingMsg:
		m.apply(realtime.Incoming(msg))
		return m, waitForMessage(m.src)
	}
	return m, nil
}

func (m *Model) apply(msg realtime.Incoming) {
	switch msg.Type {
	case realtime.TypeStatus:
		m.applyStatus(msg.Data)
	case realtime.TypeError:
		m.lastError = msg.Error
	case realtime.TypeSubscribed, realtime.TypeUnsubscribed, realtime.TypePong, realtime.TypeConnected:
	default:
		m.applyEvent(msg)
	}
}

func (m *Model) applyStatus(data map[string]any) {
	if v, ok := data["running"].(bool); ok {
		m.running = v
	}
	if v, ok := data["state"].(string); ok {
		m.state = v
	}
	if v, ok := data["uptime"].(string); ok {
		m.uptime = v
	}
	if v, ok := data["last_error"].(string); ok {
		m.lastError = v
	}
	if stats, ok := data["stats"].(map[string]any); ok {
		m.applyStats(stats)
	}
}

func (m *Model) applyStats(stats map[string]any) {
	if v, ok := stats["processed"].(float64); ok {
		m.processed = int64(v)
	}
	if v, ok := stats["drafted"].(float64); ok {
		m.drafted = int64(v)
	}
	if v, ok := stats["errors"].(float64); ok {
		m.errors = int64(v)
	}
}

func (m *Model) applyEvent(msg realtime.Incoming) {
	line := eventLine{at: time.UnixMilli(msg.Timestamp), channel: msg.Channel, name: msg.Event}

	switch msg.Channel {
	case registry.ChannelAgents:
		if to, ok := msg.Data["to"].(string); ok {
			m.state = to
		}
		if stats, ok := msg.Data["stats"].(map[string]any); ok {
			m.applyStats(stats)
		}
		if e, ok := msg.Data["error"].(string); ok && e != "" {
			m.lastError = e
			line.detail = e
		}
	case registry.ChannelQueue:
		if q, ok := msg.Data["queue"].(string); ok {
			m.queueActivity[q]++
			line.detail = q
		}
		if item, ok := msg.Data["item"].(string); ok {
			line.detail = strings.TrimSpace(line.detail + " " + item)
		}
	case registry.ChannelEmails:
		if n, ok := msg.Data["count"].(float64); ok {
			line.detail = fmt.Sprintf("%d new", int(n))
		}
	case registry.ChannelDrafts:
		if s, ok := msg.Data["subject"].(string); ok {
			line.detail = s
		}
	}

	m.events = append(m.events, line)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("🦫 Beaver-Mail"))
	b.WriteString("\n\n")

	running := "stopped"
	if m.running {
		running = "running"
	}
	stateStyle, ok := stateStyles[m.state]
	if !ok {
		stateStyle = valueStyle
	}
	status := fmt.Sprintf("%s %s   %s %s   %s %s",
		labelStyle.Render("agents:"), valueStyle.Render(running),
		labelStyle.Render("state:"), stateStyle.Render(m.state),
		labelStyle.Render("uptime:"), valueStyle.Render(orDash(m.uptime)))
	counters := fmt.Sprintf("%s %d   %s %d   %s %d",
		labelStyle.Render("processed:"), m.processed,
		labelStyle.Render("drafted:"), m.drafted,
		labelStyle.Render("errors:"), m.errors)
	b.WriteString(boxStyle.Render(status + "\n" + counters))
	b.WriteString("\n")

	if m.lastError != "" {
		b.WriteString(errorStyle.Render("last error: " + m.lastError))
		b.WriteString("\n")
	}

	if len(m.queueActivity) > 0 {
		names := make([]string, 0, len(m.queueActivity))
		for q := range m.queueActivity {
			names = append(names, q)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, q := range names {
			parts = append(parts, fmt.Sprintf("%s=%d", q, m.queueActivity[q]))
		}
		b.WriteString(labelStyle.Render("queue events: ") + strings.Join(parts, " "))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if len(m.events) == 0 {
		b.WriteString(labelStyle.Render("waiting for events..."))
	}
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		fmt.Fprintf(&b, "%s %-7s %s %s\n",
			labelStyle.Render(e.at.Format("15:04:05")), e.channel, valueStyle.Render(e.name), e.detail)
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("connection lost: " + m.err.Error()))
	}
	b.WriteString("\n")
	b.WriteString(footerStyle.Render("r refresh • q quit"))
	return b.String()
}

// Err the connection error that ended the session, if any
func (m Model) Err() error {
	return m.err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Run connects to url and runs the TUI until the user quits or the connection drops
func Run(ctx context.Context, url, token, userID string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := realtime.Dial(dialCtx, url, token, userID)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	final, err := tea.NewProgram(NewModel(client), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil {
		return fmt.Errorf("run watch: %w", err)
	}
	if m, ok := final.(Model); ok && m.Err() != nil {
		return fmt.Errorf("realtime connection: %w", m.Err())
	}
	return nil
}
