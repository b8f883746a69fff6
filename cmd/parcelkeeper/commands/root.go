// Package commands implements parcelkeeper's CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "parcelkeeper",
	Short: "parcelkeeper - content-addressed VM disk/memory chunk store",
	Long: `parcelkeeper encodes, serves, and mounts parcels: content-addressed
chunk stores for VM disk and memory images with lazy fetch from an
origin, a layered local+hoard cache, and a FUSE block-file interface.

Use "parcelkeeper [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command, for testing.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetConfigFile returns the --config flag's current value.
func GetConfigFile() string {
	return configFile
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to daemon config file (default: $XDG_CONFIG_HOME/parcelkeeper/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(encodeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(hoardCmd)
	rootCmd.AddCommand(disktoolCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("parcelkeeper %s (commit %s, built %s)\n", Version, Commit, Date)
		return nil
	},
}

// Exit prints an error and exits with the given code, per spec §6.8's
// exit-code convention (0 success, nonzero failure/diagnostic bits).
func Exit(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}
