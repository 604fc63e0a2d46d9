package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/legamerdc/rio/builtin"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "riod %s %s %s/%s\n", builtin.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
