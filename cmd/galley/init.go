package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/galley/internal/config"
	"github.com/jackzampolin/galley/internal/home"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the Galley home directory",
	Long: `Create the Galley home directory and write a commented default
configuration file.

Examples:
  galley init                    # Initialize ~/.galley
  galley init --home /tmp/g      # Initialize a custom home
  galley init --force            # Overwrite an existing config`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		if h.ConfigExists() && !initForce {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", h.ConfigPath())
		}
		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return err
		}
		fmt.Printf("Initialized galley home at %s\n", h.Path())
		fmt.Printf("Config written to %s\n", h.ConfigPath())
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")

	rootCmd.AddCommand(initCmd)
}
