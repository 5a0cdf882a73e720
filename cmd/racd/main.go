package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "racd"}

	root.AddCommand(serveCMD(), migrateCMD(), indexCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
