package main

import (
	"os"

	"github.com/spf13/cobra"

	"UDX/pkg/repl"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive console for streams on one socket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := startHost(cmd.Context())
		if err != nil {
			return err
		}
		defer h.shutdown(interactiveGrace)

		cmd.Printf("bound %s (type help for commands)\n", h.sock.LocalAddr())
		repl.StartRepl(repl.NewHost(h.loop, h.sock, h.opts, os.Stdout), os.Stdin)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replCmd)
}
