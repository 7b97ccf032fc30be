package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rustyeddy/algotrader/config"
)

var rootCmd = &cobra.Command{
	Use:   "algotrader",
	Short: "Multi-timeframe automated trading engine",
	Long: `Algotrader ingests ticks, forms multi-timeframe candles, runs strategy
instances and routes their signals to paper or live execution while
tracking positions, trailing stops and account loss limits.

Every config key can be overridden from the environment with the
ALGOTRADER_ prefix, e.g. ALGOTRADER_LOG_LEVEL=debug. Broker tokens are
only read from the environment:

  ALGOTRADER_OANDA_TOKEN            default OANDA token
  ALGOTRADER_OANDA_TOKEN_<ACCOUNT>  token for one live account`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViper)

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "f", "", "path to config file (YAML or JSON)")
	pf.String("log-level", "", "log level override (debug, info, warn, error)")
	pf.String("log-encoding", "", "log encoding override (json, console)")
	_ = viper.BindPFlag("config", pf.Lookup("config"))
	_ = viper.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("log.encoding", pf.Lookup("log-encoding"))
}

func initViper() {
	viper.SetEnvPrefix("ALGOTRADER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the config file, when one is given, and applies flag
// and environment overrides on top.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := viper.GetString("config"); path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	applyOverrides(cfg)
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	if v := viper.GetString("log.level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("log.encoding"); v != "" {
		cfg.Log.Encoding = v
	}
	if v := viper.GetString("store.path"); v != "" {
		cfg.Store.Type, cfg.Store.Path = "sqlite", v
	}
	if v := viper.GetString("journal.db_path"); v != "" {
		cfg.Journal.Type, cfg.Journal.DBPath = "sqlite", v
	}
	if v := viper.GetString("kafka.brokers"); v != "" {
		cfg.Kafka.Enabled, cfg.Kafka.Brokers = true, v
	}
	if v := viper.GetString("kafka.topic"); v != "" {
		cfg.Kafka.Topic = v
	}

	token := viper.GetString("oanda.token")
	for i := range cfg.Live.Accounts {
		a := &cfg.Live.Accounts[i]
		a.OANDA.Token = token
		if v := viper.GetString("oanda.token." + strings.ToLower(a.Name)); v != "" {
			a.OANDA.Token = v
		}
	}
	cfg.Feed.OANDA.Token = token
}
