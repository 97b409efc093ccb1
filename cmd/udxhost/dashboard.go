package main

import (
	"net/netip"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"UDX/pkg/tui"
	"UDX/pkg/udxstack"
)

var refresh time.Duration

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Live view of a socket that accepts every peer",
	Long: `Dashboard binds the socket, accepts every stream opened to it and
echoes received data back to the sender, while displaying live stream and
socket counters.

Key bindings:
  Tab / Shift+Tab  Switch between Streams and Socket
  1 / 2            Jump to a tab
  r                Force a refresh
  q / Ctrl+C       Quit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := startHost(cmd.Context())
		if err != nil {
			return err
		}
		defer h.shutdown(interactiveGrace)

		if err := h.loop.Do(func() { h.acceptEcho() }); err != nil {
			return err
		}

		fetch := func() (tui.Snapshot, error) {
			var snap tui.Snapshot
			err := h.loop.Do(func() {
				snap.Local = h.sock.LocalAddr().String()
				snap.Preconnect = h.sock.PreconnectState()
				snap.Socket = h.sock.Stats()
				for _, s := range h.sock.Streams() {
					snap.Streams = append(snap.Streams, s.Stats())
				}
			})
			return snap, err
		}
		p := tea.NewProgram(tui.New(fetch, refresh), tea.WithAltScreen())
		_, err = p.Run()
		return err
	},
}

// acceptEcho connects a stream to every new peer, reusing the peer's stream
// id locally when it is free. Runs on the loop.
func (h *host) acceptEcho() {
	_ = h.sock.Preconnect(func(sock *udxstack.Socket, senderID uint32, addr netip.AddrPort) {
		if _, ok := sock.Stream(senderID); ok {
			return
		}
		s := udxstack.NewStream(h.loop, senderID, h.opts)
		_ = s.ReadStart(func(s *udxstack.Stream, b []byte) {
			_, _ = s.Write([][]byte{append([]byte(nil), b...)}, nil)
		})
		s.OnMessage(func(s *udxstack.Stream, b []byte) {
			_ = s.Send(b, nil)
		})
		s.OnEnd(func(s *udxstack.Stream) { _ = s.End(nil) })
		_ = s.Connect(sock, senderID, addr, nil)
	})
}

func init() {
	dashboardCmd.Flags().DurationVar(&refresh, "refresh", tui.DefaultRefreshInterval, "refresh interval")
	rootCmd.AddCommand(dashboardCmd)
}
