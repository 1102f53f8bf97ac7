package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "engram",
	Short:         "Per-user memory sidecar for chat applications",
	Long:          "engram stores conversation history, user profiles, and documents,\nand enriches chat requests with retrieved memory.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the engram version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("engram version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(docsCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// A .env in the working directory is a convenience for local runs;
	// absence is not an error.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
