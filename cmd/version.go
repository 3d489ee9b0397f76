package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/stackd/stackd/internal/build"
)

// NewVersionCommand returns the command to get stackd version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the stackd version",
		Long:  "Return the stackd version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("stackd Version %s Date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
