// Package tui provides the live terminal dashboard of udxhost. It is built
// on bubbletea and lipgloss and renders two tabs: the streams of a socket
// and the socket counters. Data is refreshed on a fixed interval by calling
// a Fetcher.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"UDX/pkg/udxstack"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Padding(0, 2)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			PaddingRight(1)

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			PaddingRight(1)

	// zebra striping
	altRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Background(lipgloss.Color("236")).
			PaddingRight(1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true).
			PaddingLeft(1)
)

type tab int

const (
	tabStreams tab = iota
	tabSocket
	tabCount
)

// Snapshot is one refresh worth of socket state.
type Snapshot struct {
	Local      string
	Preconnect udxstack.PreconnectState
	Socket     udxstack.SocketStats
	Streams    []udxstack.Stats
}

// Fetcher returns the current state of the socket being watched. It is
// called from a bubbletea command goroutine.
type Fetcher func() (Snapshot, error)

type tickMsg time.Time

type dataMsg Snapshot

type errMsg struct{ err error }

// DefaultRefreshInterval is the refresh period used when New is given zero.
const DefaultRefreshInterval = time.Second

// Model is the bubbletea model of the dashboard.
type Model struct {
	fetch     Fetcher
	interval  time.Duration
	activeTab tab
	snap      Snapshot
	width     int
	height    int
	err       error
	loading   bool
	lastFetch time.Time
}

// New returns a Model refreshing from fetch every interval.
func New(fetch Fetcher, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return Model{fetch: fetch, interval: interval, loading: true}
}

// Init starts the periodic tick and issues the first fetch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.tick(), fetchData(m.fetch))
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchData(fetch Fetcher) tea.Cmd {
	return func() tea.Msg {
		snap, err := fetch()
		if err != nil {
			return errMsg{err}
		}
		return dataMsg(snap)
	}
}

// Update processes messages and returns the updated model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "right", "l":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "shift+tab", "left", "h":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		case "1":
			m.activeTab = tabStreams
		case "2":
			m.activeTab = tabSocket
		case "r":
			m.loading = true
			m.err = nil
			return m, fetchData(m.fetch)
		}
		return m, nil

	case tickMsg:
		m.loading = true
		return m, tea.Batch(m.tick(), fetchData(m.fetch))

	case dataMsg:
		m.loading = false
		m.err = nil
		m.snap = Snapshot(msg)
		m.lastFetch = time.Now()
		return m, nil

	case errMsg:
		m.loading = false
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading…"
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("  UDX socket %s  ", m.snap.Local)))
	sb.WriteString("\n")

	var tabs []string
	for i, name := range []string{"Streams", "Socket"} {
		label := fmt.Sprintf(" %d: %s ", i+1, name)
		if tab(i) == m.activeTab {
			tabs = append(tabs, activeTabStyle.Render(label))
		} else {
			tabs = append(tabs, inactiveTabStyle.Render(label))
		}
	}
	sb.WriteString(strings.Join(tabs, ""))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")

	// title, tabs, two dividers and the status line
	height := m.height - 5
	if height < 1 {
		height = 1
	}
	var content string
	switch m.activeTab {
	case tabStreams:
		content = renderStreams(m.snap.Streams)
	case tabSocket:
		content = renderSocket(m.snap)
	}
	sb.WriteString(clipLines(content, height))
	sb.WriteString("\n")

	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")
	sb.WriteString(m.renderStatus())
	return sb.String()
}

func (m Model) renderStatus() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	}
	var parts []string
	if !m.lastFetch.IsZero() {
		parts = append(parts, fmt.Sprintf("last refresh: %s", m.lastFetch.Format("15:04:05")))
	}
	if m.loading {
		parts = append(parts, "refreshing…")
	}
	parts = append(parts, "q: quit  tab: next tab  r: refresh")
	return statusBarStyle.Render(strings.Join(parts, "  |  "))
}

func renderStreams(streams []udxstack.Stats) string {
	if len(streams) == 0 {
		return dimStyle.Render("no streams")
	}
	header := []string{"ID", "REMOTE", "ADDR", "STATE", "SRTT", "RTO", "CWND", "INFLIGHT", "RETX", "TX", "RX"}
	rows := make([][]string, 0, len(streams))
	for _, st := range streams {
		rows = append(rows, []string{
			fmt.Sprint(st.ID),
			fmt.Sprint(st.RemoteID),
			st.RemoteAddr.String(),
			st.State.String(),
			st.SRTT.Round(time.Microsecond).String(),
			st.RTO.Round(time.Microsecond).String(),
			fmt.Sprint(st.CongestionWindow),
			fmt.Sprint(st.InFlightBytes),
			fmt.Sprint(st.Retransmits),
			fmt.Sprint(st.BytesSent),
			fmt.Sprint(st.BytesReceived),
		})
	}
	return renderTable(header, rows)
}

func renderSocket(s Snapshot) string {
	header := []string{"COUNTER", "VALUE"}
	rows := [][]string{
		{"local address", s.Local},
		{"preconnect", s.Preconnect.String()},
		{"streams", fmt.Sprint(len(s.Streams))},
		{"datagrams received", fmt.Sprint(s.Socket.DatagramsReceived)},
		{"datagrams sent", fmt.Sprint(s.Socket.DatagramsSent)},
		{"malformed", fmt.Sprint(s.Socket.Malformed)},
		{"unrouted", fmt.Sprint(s.Socket.Unrouted)},
		{"send errors", fmt.Sprint(s.Socket.SendErrors)},
	}
	return renderTable(header, rows)
}

// renderTable pads every column to its widest cell.
func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if w := lipgloss.Width(c); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = style.Width(widths[i] + 1).Render(c)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	}

	out := []string{line(header, headerCellStyle)}
	for i, r := range rows {
		style := rowStyle
		if i%2 == 1 {
			style = altRowStyle
		}
		out = append(out, line(r, style))
	}
	return strings.Join(out, "\n")
}

func clipLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n")
}
