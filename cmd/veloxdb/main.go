// Command veloxdb is the server entry point: it loads configuration,
// recovers local state, joins (or starts) a replication topology, and
// serves the wire protocol until told to stop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitError carries the process exit code a startup failure maps to
// (1 configuration, 2 recovery, 3 storage corruption), alongside the
// error that caused it.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Version is set via -ldflags at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "veloxdb",
	Short:   "VeloxDB - in-memory transactional object database",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringSlice("config", nil, "additional veloxdb.json paths, merged after the install/system/user defaults")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "veloxdb: %v\n", err)
		if ee, ok := err.(*exitError); ok {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
