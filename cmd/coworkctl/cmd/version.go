package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/cowork/pkg/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit, and build time of coworkctl.`,
	Run: func(cmd *cobra.Command, args []string) {
		info := config.Info("coworkctl")
		if GetOutput() == "json" {
			data, _ := json.MarshalIndent(info, "", "  ")
			fmt.Println(string(data))
		} else {
			fmt.Println(info)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
