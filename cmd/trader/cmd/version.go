package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.4.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  `Display the current version of the algotrader CLI.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("algotrader version %s\n", version)
		fmt.Println("https://github.com/rustyeddy/algotrader")
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
