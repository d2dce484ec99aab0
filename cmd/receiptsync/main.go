// Package main is the receiptsync command: local receipt bookkeeping that
// keeps working offline and syncs with the remote API when it can.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "0.1.0"

const appName = "receiptsync"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := execute(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// execute runs the command tree once and releases everything it opened.
func execute(args []string, stdout, stderr io.Writer) error {
	a := &app{}
	defer a.close()

	cmd := rootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.Execute()
}

func rootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Offline-first receipt store with background sync",
		Long: `receiptsync keeps receipts in a local SQLite store and mirrors every
change to a remote API through a durable sync queue.

Local edits never wait for the network. The queue is drained in order
whenever the remote is reachable, on a timer, on reconnect, or on demand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "Directory holding the store and cache")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		addCmd(a),
		updateCmd(a),
		deleteCmd(a),
		listCmd(a),
		showCmd(a),
		remoteCmd(a),
		categoryCmd(a),
		syncCmd(a),
		statusCmd(a),
		queueCmd(a),
		conflictsCmd(a),
		cacheCmd(a),
		exportCmd(a),
		serveCmd(a),
		configCmd(a),
		dbCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return nil
			},
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}
