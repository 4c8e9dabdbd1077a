package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wyatt727/WDFWatch-sub001/internal/cli"
)

var rootCmd = &cobra.Command{Use: "wdfwatch"}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides config)")
	rootCmd.PersistentFlags().String("config", "", "Directory containing wdfwatch.yaml")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
