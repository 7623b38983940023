package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/carrelhq/carrel/internal/cli/prompt"
	"github.com/carrelhq/carrel/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample carrel configuration file.

By default, the configuration file is created at ~/.carrel/config.yaml.
Use --config to specify a custom path. The generated file carries a random
session secret so workspace claiming works out of the box.

Examples:
  # Initialize with default location
  carrel init

  # Initialize with custom path
  carrel init --config /etc/carrel/config.yaml

  # Force overwrite existing config
  carrel init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	force := initForce
	if !force {
		if _, err := os.Stat(configPath); err == nil {
			ok, err := prompt.Confirm(fmt.Sprintf("Overwrite existing configuration at %s?", configPath), false)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted.")
				return nil
			}
			force = true
		}
	}

	if err := config.InitConfigToPath(configPath, force); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: carrel start")
	fmt.Printf("  3. Or specify custom config: carrel start --config %s\n", configPath)
	fmt.Println("\nSecurity note:")
	fmt.Println("  A random session secret has been generated for development use.")
	fmt.Println("  For production, generate a secure secret and use an environment variable:")
	fmt.Println("    # Generates a 64-character hex string (32 bytes of entropy)")
	fmt.Println("    export CARREL_SESSION_SECRET=$(openssl rand -hex 32)")

	return nil
}
