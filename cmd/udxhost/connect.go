package main

import (
	"net/netip"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"UDX/pkg/udxconn"
	"UDX/pkg/udxstack"
)

var (
	connectID       uint32
	connectRemoteID uint32
)

var connectCmd = &cobra.Command{
	Use:   "connect <addr>",
	Short: "Open a stream to a peer and pipe stdin to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := netip.ParseAddrPort(args[0])
		if err != nil {
			return errors.Wrapf(err, "invalid address %q", args[0])
		}
		h, err := startHost(cmd.Context())
		if err != nil {
			return err
		}
		defer h.shutdown(cfg.TeardownTimeout)

		var (
			conn *udxconn.Conn
			cerr error
		)
		err = h.loop.Do(func() {
			s := udxstack.NewStream(h.loop, connectID, h.opts)
			conn, cerr = udxconn.Wrap(h.loop, s, 0)
			if cerr == nil {
				cerr = s.Connect(h.sock, connectRemoteID, addr, nil)
			}
		})
		if err != nil {
			return err
		}
		if cerr != nil {
			return cerr
		}
		defer conn.Close()
		return pipe(conn)
	},
}

func init() {
	connectCmd.Flags().Uint32Var(&connectID, "id", 2, "local stream id")
	connectCmd.Flags().Uint32Var(&connectRemoteID, "remote-id", 1, "peer stream id")
	rootCmd.AddCommand(connectCmd)
}
