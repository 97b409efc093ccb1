package tui

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"UDX/pkg/udxstack"
)

func snapshot() Snapshot {
	return Snapshot{
		Local:      "127.0.0.1:8081",
		Preconnect: udxstack.PreconnectCompleted,
		Socket:     udxstack.SocketStats{DatagramsReceived: 12, DatagramsSent: 9},
		Streams: []udxstack.Stats{
			{ID: 1, RemoteID: 2, RemoteAddr: netip.MustParseAddrPort("127.0.0.1:8082"), State: udxstack.StateConnected, SRTT: 3 * time.Millisecond},
			{ID: 7, RemoteID: 3, RemoteAddr: netip.MustParseAddrPort("127.0.0.1:8083"), State: udxstack.StateClosing},
		},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestViewRendersStreams(t *testing.T) {
	calls := 0
	m := New(func() (Snapshot, error) {
		calls++
		return snapshot(), nil
	}, 0)

	if got := m.View(); got != "Loading…" {
		t.Fatalf("View before size = %q", got)
	}
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 30})

	// the command returned for a manual refresh performs the fetch
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m = next.(Model)
	if cmd == nil {
		t.Fatal("refresh returned no command")
	}
	m = update(t, m, cmd())
	if calls != 1 {
		t.Errorf("fetch called %d times, want 1", calls)
	}

	view := m.View()
	for _, want := range []string{"127.0.0.1:8081", "CONNECTED", "CLOSING", "127.0.0.1:8083", "STATE"} {
		if !strings.Contains(view, want) {
			t.Errorf("streams view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "datagrams received") {
		t.Error("socket counters shown on streams tab")
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	view = m.View()
	if !strings.Contains(view, "datagrams received") || !strings.Contains(view, "COMPLETED") {
		t.Errorf("socket view:\n%s", view)
	}
}

func TestFetchErrorShownInStatus(t *testing.T) {
	m := New(func() (Snapshot, error) {
		return Snapshot{}, errors.New("loop stopped")
	}, time.Hour)
	m = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 20})
	m = update(t, m, fetchData(m.fetch)())
	if !strings.Contains(m.View(), "Error: loop stopped") {
		t.Errorf("view:\n%s", m.View())
	}
}

func TestEmptyStreams(t *testing.T) {
	m := New(func() (Snapshot, error) { return Snapshot{Local: "x"}, nil }, 0)
	m = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 20})
	m = update(t, m, dataMsg(Snapshot{Local: "x"}))
	if !strings.Contains(m.View(), "no streams") {
		t.Errorf("view:\n%s", m.View())
	}
}

func TestQuitKey(t *testing.T) {
	m := New(func() (Snapshot, error) { return Snapshot{}, nil }, 0)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}

func TestClipLines(t *testing.T) {
	if got := clipLines("a\nb\nc", 2); got != "a\nb" {
		t.Errorf("clipLines = %q", got)
	}
	if got := clipLines("a", 5); got != "a" {
		t.Errorf("clipLines = %q", got)
	}
}
