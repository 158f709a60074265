package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - sandboxed code runner and grader",
	Long: `runbox runs submitted code inside throwaway sandboxes, streams its output
to the client over a websocket, and grades it against input/output test cases.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./runbox.yaml or $HOME/.runbox/runbox.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
