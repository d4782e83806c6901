package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/galley/version"
)

var (
	cfgFile string
	homeDir string
)

var rootCmd = &cobra.Command{
	Use:   "galley",
	Short: "Long-document proofing engine with LLM-backed typography correction",
	Long: `Galley splits long plain-text documents into chunks, normalizes the
typography of each chunk, optionally runs every chunk through a streaming
chat-completion model, and merges the results back into one document.

Jobs survive restarts: progress is snapshotted to disk and interrupted
work resumes from where it stopped.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.galley/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "galley home directory (default: ~/.galley)",
	)

	rootCmd.AddCommand(versionCmd)
}
