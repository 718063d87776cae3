package main

import (
	"os"

	"cosmossdk.io/log"

	"github.com/openclob/ledger-clob/cmd/clobd/cmd"
)

func main() {
	rootCmd := cmd.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		log.NewLogger(os.Stderr).Error("failure when running clobd", "err", err)
		os.Exit(1)
	}
}
