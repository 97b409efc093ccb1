package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"UDX/pkg/packet"
)

// set at build time via -ldflags "-X main.version=x.y.z"
var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show udxhost and wire protocol versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "udxhost version %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "wire protocol version %d\n", packet.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
