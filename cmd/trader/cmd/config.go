package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/algotrader/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage engine configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  algotrader config init -o engine.yaml
  algotrader config validate -f engine.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Long: `Create a new configuration file with default settings.

Example:
  algotrader config init -o engine.yaml`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Check that a configuration file loads and passes validation, with the
environment overrides applied.

Example:
  algotrader config validate -f engine.yaml`,
	RunE: runConfigValidate,
}

var configInitOutput string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "engine.yaml", "output config file path")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("✓ Created default configuration: %s\n", configInitOutput)
	fmt.Println("\nEdit the file and run with:")
	fmt.Printf("  algotrader run -f %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Println("✓ Configuration valid")
	fmt.Printf("  Feed: %s\n", cfg.Feed.Type)
	fmt.Printf("  Store: %s  Journal: %s\n", cfg.Store.Type, cfg.Journal.Type)
	fmt.Printf("  Live accounts: %d\n", len(cfg.Live.Accounts))
	for _, inst := range cfg.Instances {
		fmt.Printf("  Instance: %s %s/%s %v %v\n", inst.Strategy, inst.Account, inst.Mode, inst.Symbols, inst.Timeframes)
	}
	return nil
}
