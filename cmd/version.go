package cmd

import (
	"fmt"
	"github.com/AfterWorld/MerryGo/merrygo"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"merrygo version=%s commit=%s built: %s",
			merrygo.Version,
			merrygo.CommitSHA,
			merrygo.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
