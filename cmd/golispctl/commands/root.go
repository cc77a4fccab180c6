// Package commands implements the golispctl command tree.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/golispd/internal/mgmt"
	appversion "github.com/dantte-lp/golispd/internal/version"
)

// socketPath is the daemon's management socket, overridable with -s.
var socketPath string

// rootCmd is the golispctl entry point.
var rootCmd = &cobra.Command{
	Use:           "golispctl",
	Short:         "Manage a running golispd daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s",
		"/var/run/golispd.sock", "management socket path")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(mapCacheCmd)
	rootCmd.AddCommand(databaseCmd)
	rootCmd.AddCommand(petrCmd)
	rootCmd.AddCommand(parametersCmd)
}

// dial connects to the daemon.
func dial() (*mgmt.Client, error) {
	return mgmt.Dial(socketPath)
}

// versionCmd prints build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print golispctl version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), appversion.Full("golispctl"))
	},
}
