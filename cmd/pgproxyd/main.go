// Command pgproxyd is the reference host: it wires internal/config,
// internal/log, internal/pgdriver, internal/connmgr (via internal/proxy) and
// internal/wsserver together behind a cobra command surface, following
// qri-io/qri's cmd/root.go shape for the command tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pgproxyd",
	Short: "authenticating WebSocket-to-PostgreSQL proxy",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment variables only)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(serviceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
