// Package cmd is the clobd command tree.
package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var (
	Version = "dev"
	Commit  = ""
)

// NewRootCmd creates the root command for clobd
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clobd",
		Short: "Off-chain order matching and settlement engine",
		Long: `clobd matches orders off-chain and settles every trade as a
delivery-versus-payment transaction on the backing ledger. It keeps a
live projection of ledger state, exposes a REST and WebSocket API, and
never takes custody of funds.`,
	}

	rootCmd.AddCommand(
		StartCmd(),
		VersionCmd(),
	)
	return rootCmd
}

// VersionCmd returns a command to print the version
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clobd %s", Version)
			if Commit != "" {
				fmt.Printf(" (%s)", Commit)
			}
			fmt.Printf(" %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
