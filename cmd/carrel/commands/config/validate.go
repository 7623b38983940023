package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carrelhq/carrel/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the carrel configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  carrel config validate

  # Validate specific config file
  carrel config validate --config /etc/carrel/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	// Load and validate configuration
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	// Determine path for display
	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	// Additional validation checks
	var warnings []string

	// Check session secret is configured
	if cfg.Session.Secret == "" {
		warnings = append(warnings, "Session secret not configured - workspace claiming will be disabled")
	}

	// Check webhook journal path is set
	if cfg.Webhooks.JournalPath == "" {
		warnings = append(warnings, "Webhook journal path not configured - deliveries will not survive restarts")
	}

	// Print results
	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Store type:      %s\n", cfg.Store.Type)
	fmt.Printf("  Server port:     %d\n", cfg.Server.Port)
	fmt.Printf("  Log level:       %s\n", cfg.Logging.Level)

	return nil
}
