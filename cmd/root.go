// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with STACKD, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("STACKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/stackd", "$HOME/.stackd", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// a missing or broken file is reported by the commands that need it
	_ = viper.ReadInConfig()

	return &cobra.Command{
		Use:   "stackd",
		Short: "A registry of named, copy-on-write stacks served over HTTP",
		Long: `A registry of named, copy-on-write stacks served over HTTP.

stackd keeps any number of named LIFO stacks of strings in memory. Stacks can be
created, deleted, pushed to, popped from and copied in constant time: a copy
shares its elements with the original until either side changes.`,
	}
}
