//go:build linux

// Command casper-inotify is the filesystem event supervisor daemon. It loads
// a configuration document describing directories and files to watch, maps
// each rule to a kernel inotify watch, and spawns the configured command
// under the configured user whenever a matching event occurs.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var rootCommand = &cobra.Command{
	Use:     "casper-inotify",
	Short:   "inotify-driven command supervisor",
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run())
	},
}

var paramConfig string

func init() {
	rootCommand.PersistentFlags().StringVarP(&paramConfig, "config", "c",
		"/etc/casper-inotify/conf.json", "path to the configuration document (JSON or YAML)")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
