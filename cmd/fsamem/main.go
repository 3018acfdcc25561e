package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// serve flags
	configPath  string
	addr        string
	backendName string
	dataDir     string
	metricsAddr string
	logLevel    string

	// cli flags
	cliHost string
	cliPort int
)

var rootCmd = &cobra.Command{
	Use:   "fsamem",
	Short: "fsamem - versioned shared state for concurrent agents",
	Long: `fsamem stores append-only, versioned JSON documents keyed by tenant and
state id. Agents apply small deltas, merge divergent versions and query
cheap pattern-based slices with summaries and token estimates.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the RESP server",
	Long: `Starts the server. Settings come from --config (YAML) and are
overridden by any flags given explicitly.

Example:
  fsamem serve --backend badger --data-dir ./data --metrics-addr :9121`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var cliCmd = &cobra.Command{
	Use:   "cli <command> [args...]",
	Short: "Send one command to a running server",
	Long: `Sends a single command and prints the reply.

Examples:
  fsamem cli PING
  fsamem cli STATE.APPEND acme board alice '[{"op":"SET","path":["TASK-1","status"],"value":"DONE"}]'
  fsamem cli STATE.SLICE acme board 'task*' 10`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCLI,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	serveCmd.Flags().StringVar(&addr, "addr", "", "server address (default :6380)")
	serveCmd.Flags().StringVar(&backendName, "backend", "", "storage backend: memory, badger or sqlite")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory or sqlite file for persistent backends")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	cliCmd.Flags().StringVarP(&cliHost, "host", "H", "127.0.0.1", "server host")
	cliCmd.Flags().IntVarP(&cliPort, "port", "p", 6380, "server port")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cliCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
