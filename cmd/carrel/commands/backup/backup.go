// Package backup implements backup subcommands for carrel.
package backup

import (
	"github.com/spf13/cobra"
)

// Cmd is the backup subcommand.
var Cmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup operations",
	Long: `Backup carrel workspaces.

Subcommands:
  run  Archive workspaces to a local directory or S3`,
}

func init() {
	Cmd.AddCommand(runCmd)
}
