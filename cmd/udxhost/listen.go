package main

import (
	"net/netip"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"UDX/pkg/udxconn"
	"UDX/pkg/udxstack"
)

var listenID uint32

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for one peer and pipe its stream to stdout",
	Long: `Listen binds the socket and waits for the first peer to open a stream
to --id. Data read from the stream is written to stdout; stdin is sent back
to the peer.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := startHost(cmd.Context())
		if err != nil {
			return err
		}
		defer h.shutdown(cfg.TeardownTimeout)

		accepted := make(chan *udxconn.Conn, 1)
		failed := make(chan error, 1)
		err = h.loop.Do(func() {
			err := h.sock.Preconnect(func(sock *udxstack.Socket, senderID uint32, addr netip.AddrPort) {
				if _, ok := sock.Stream(listenID); ok {
					return
				}
				log.Info("peer found", zap.Uint32("remote_id", senderID), zap.Stringer("addr", addr))
				sock.StopPreconnect()
				s := udxstack.NewStream(h.loop, listenID, h.opts)
				conn, err := udxconn.Wrap(h.loop, s, 0)
				if err == nil {
					err = s.Connect(sock, senderID, addr, nil)
				}
				if err != nil {
					failed <- err
					return
				}
				accepted <- conn
			})
			if err != nil {
				failed <- err
			}
		})
		if err != nil {
			return err
		}
		cmd.PrintErrf("listening on %s, stream %d\n", h.sock.LocalAddr(), listenID)

		select {
		case conn := <-accepted:
			defer conn.Close()
			return pipe(conn)
		case err := <-failed:
			return errors.Wrap(err, "accept")
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
	},
}

func init() {
	listenCmd.Flags().Uint32Var(&listenID, "id", 1, "local stream id")
	rootCmd.AddCommand(listenCmd)
}
