package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	logJSON  bool

	version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "creatorhub",
		Short:         "Monitor creator accounts through a fleet of browser workers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")

	root.AddCommand(masterCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(accountsCmd())
	root.AddCommand(workersCmd())

	return root
}

func masterCmd() *cobra.Command {
	var (
		port          int
		noSupervision bool
	)

	cmd := &cobra.Command{
		Use:   "master",
		Short: "Start the controller: API, websocket hub and worker supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster(port, !noSupervision)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: from config)")
	cmd.Flags().BoolVar(&noSupervision, "no-supervisor", false, "do not spawn worker processes")
	return cmd
}

func workerCmd() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process (normally spawned by the master)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(id)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "worker id (default: WORKER_ID)")
	return cmd
}

func accountsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List monitored accounts and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccounts(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func workersCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List worker process definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
