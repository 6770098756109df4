// Package cli implements the astrodesk command line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

// SetBuildInfo sets version info injected at build time.
func SetBuildInfo(v, date, commit string) {
	version = v
	buildDate = date
	gitCommit = commit
}

var rootCmd = &cobra.Command{
	Use:   "astrodesk",
	Short: "AstroDesk, a desktop companion for your AstrBot server",
	Long: `AstroDesk is a desktop companion for your AstrBot server.

Chat with your bot from the terminal, stream replies live, send and
receive files, and keep a searchable local transcript.

Distributed as a single static binary; just run it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("astrodesk %s\n", version)
		fmt.Printf("  build:  %s\n", buildDate)
		fmt.Printf("  commit: %s\n", gitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(configCmdGroup)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(devserverCmd)
	rootCmd.AddCommand(onboardCmd)
}

// Execute runs the root cobra command.
func Execute() error {
	return rootCmd.Execute()
}
