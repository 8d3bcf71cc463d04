package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "exofork",
	Short:         "exofork -- copy-on-write fork on a simulated exokernel",
	Long:          "exofork boots a simulated exokernel and runs user programs that fork with copy-on-write.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
