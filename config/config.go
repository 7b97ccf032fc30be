// Package config loads the engine configuration from YAML or JSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/algotrader/broker"
	"github.com/rustyeddy/algotrader/broker/oanda"
	"github.com/rustyeddy/algotrader/feed"
	"github.com/rustyeddy/algotrader/logging"
	"github.com/rustyeddy/algotrader/market"
	"github.com/rustyeddy/algotrader/marketdata"
	"github.com/rustyeddy/algotrader/orchestrator"
	"github.com/rustyeddy/algotrader/risk"
	"github.com/rustyeddy/algotrader/sim"
	"github.com/rustyeddy/algotrader/sink/kafka"
	"github.com/rustyeddy/algotrader/trading"
)

// Config represents the complete engine configuration
type Config struct {
	Log          logging.Config                `json:"log" yaml:"log"`
	Engine       EngineConfig                  `json:"engine" yaml:"engine"`
	Market       marketdata.Config             `json:"market" yaml:"market"`
	Orchestrator orchestrator.Config           `json:"orchestrator" yaml:"orchestrator"`
	Paper        sim.Config                    `json:"paper" yaml:"paper"`
	Live         LiveConfig                    `json:"live" yaml:"live"`
	Retry        broker.RetryConfig            `json:"retry" yaml:"retry"`
	Risk         RiskConfig                    `json:"risk" yaml:"risk"`
	Store        StoreConfig                   `json:"store" yaml:"store"`
	Journal      JournalConfig                 `json:"journal" yaml:"journal"`
	Feed         FeedConfig                    `json:"feed" yaml:"feed"`
	Kafka        kafka.Config                  `json:"kafka" yaml:"kafka"`
	Symbols      SymbolsConfig                 `json:"symbols" yaml:"symbols"`
	Instances    []orchestrator.InstanceConfig `json:"instances,omitempty" yaml:"instances,omitempty"`
}

// EngineConfig sizes the tick pipeline.
type EngineConfig struct {
	// Lanes is the number of per-symbol tick workers.
	Lanes int `json:"lanes" yaml:"lanes"`
	// LaneBuffer is the tick queue depth of each lane.
	LaneBuffer int `json:"lane_buffer" yaml:"lane_buffer"`
}

// LiveConfig covers live order handling and the broker accounts.
type LiveConfig struct {
	PendingTimeout  time.Duration `json:"pending_timeout" yaml:"pending_timeout"`
	CancelOnTimeout bool          `json:"cancel_on_timeout" yaml:"cancel_on_timeout"`
	PollRate        float64       `json:"poll_rate" yaml:"poll_rate"`
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Accounts        []LiveAccount `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

// LiveAccount binds an engine account name to a broker session.
type LiveAccount struct {
	Name   string       `json:"name" yaml:"name"`
	Broker string       `json:"broker" yaml:"broker"` // oanda
	OANDA  oanda.Config `json:"oanda" yaml:"oanda"`
}

type RiskConfig struct {
	// MaxLoss is the default loss limit per mode; 0 disables it.
	MaxLoss risk.Limits `json:"max_loss" yaml:"max_loss"`
}

type StoreConfig struct {
	Type string `json:"type" yaml:"type"` // "memory" or "sqlite"
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// JournalConfig contains journaling parameters
type JournalConfig struct {
	Type      string `json:"type" yaml:"type"` // "none", "csv" or "sqlite"
	FillsFile string `json:"fills_file,omitempty" yaml:"fills_file,omitempty"`
	PnLFile   string `json:"pnl_file,omitempty" yaml:"pnl_file,omitempty"`
	DBPath    string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Queue     int    `json:"queue" yaml:"queue"`
}

type FeedConfig struct {
	Type      string               `json:"type" yaml:"type"` // "csv", "websocket" or "oanda"
	CSV       CSVFeedConfig        `json:"csv" yaml:"csv"`
	WebSocket feed.WebSocketConfig `json:"websocket" yaml:"websocket"`
	OANDA     feed.OANDAConfig     `json:"oanda" yaml:"oanda"`
	Backfill  BackfillConfig       `json:"backfill" yaml:"backfill"`
}

type CSVFeedConfig struct {
	Path   string  `json:"path" yaml:"path"`
	Speed  float64 `json:"speed" yaml:"speed"`
	Broker string  `json:"broker,omitempty" yaml:"broker,omitempty"`
}

// BackfillConfig seeds history from a broker account before the feed
// starts.
type BackfillConfig struct {
	Account string `json:"account,omitempty" yaml:"account,omitempty"`
	Count   int    `json:"count" yaml:"count"`
}

type SymbolsConfig struct {
	File string   `json:"file,omitempty" yaml:"file,omitempty"`
	List []string `json:"list,omitempty" yaml:"list,omitempty"`
	// Any accepts every symbol; for replays.
	Any bool `json:"any" yaml:"any"`
}

// LoadFromFile loads configuration from a file (JSON or YAML based on extension)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Normalize canonicalizes spellings: timeframe aliases such as "M5",
// symbol and mode case.
func (c *Config) Normalize() error {
	for i := range c.Instances {
		inst := &c.Instances[i]
		if inst.Mode != "" {
			m, err := trading.ParseMode(string(inst.Mode))
			if err != nil {
				return fmt.Errorf("instances[%d]: %w", i, err)
			}
			inst.Mode = m
		}
		for j, tf := range inst.Timeframes {
			p, err := market.ParseTimeframe(string(tf))
			if err != nil {
				return fmt.Errorf("instances[%d]: %w", i, err)
			}
			inst.Timeframes[j] = p
		}
		for j, s := range inst.Symbols {
			inst.Symbols[j] = strings.ToUpper(strings.TrimSpace(s))
		}
	}
	for i, s := range c.Symbols.List {
		c.Symbols.List[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	c.Store.Type = strings.ToLower(c.Store.Type)
	c.Journal.Type = strings.ToLower(c.Journal.Type)
	c.Feed.Type = strings.ToLower(c.Feed.Type)
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Engine.Lanes <= 0 {
		add("engine.lanes must be positive")
	}
	if c.Paper.SlippagePct < 0 || c.Paper.SlippagePct >= 1 {
		add("paper.slippage_pct must be in [0, 1)")
	}
	if c.Paper.CommissionPct < 0 || c.Paper.CommissionPct >= 1 {
		add("paper.commission_pct must be in [0, 1)")
	}
	if c.Live.PendingTimeout <= 0 {
		add("live.pending_timeout must be positive")
	}
	if c.Live.PollRate <= 0 {
		add("live.poll_rate must be positive")
	}
	if c.Retry.Interval <= 0 || c.Retry.MaxAttempts == 0 {
		add("retry.interval and retry.max_attempts must be positive")
	}
	if c.Risk.MaxLoss.Paper < 0 || c.Risk.MaxLoss.Live < 0 {
		add("risk.max_loss must not be negative")
	}

	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			add("store.path required for sqlite store")
		}
	default:
		add("store.type must be 'memory' or 'sqlite'")
	}

	switch c.Journal.Type {
	case "", "none":
	case "csv":
		if c.Journal.FillsFile == "" || c.Journal.PnLFile == "" {
			add("journal fills_file and pnl_file required for CSV type")
		}
	case "sqlite":
		if c.Journal.DBPath == "" {
			add("journal db_path required for SQLite type")
		}
	default:
		add("journal.type must be 'none', 'csv' or 'sqlite'")
	}

	switch c.Feed.Type {
	case "", "none":
	case "csv":
		if c.Feed.CSV.Path == "" {
			add("feed.csv.path is required")
		}
	case "websocket":
		if c.Feed.WebSocket.URL == "" {
			add("feed.websocket.url is required")
		}
	case "oanda":
		if c.Feed.OANDA.AccountID == "" || len(c.Feed.OANDA.Instruments) == 0 {
			add("feed.oanda needs account_id and instruments")
		}
	default:
		add("feed.type must be 'csv', 'websocket' or 'oanda'")
	}

	if c.Kafka.Enabled && (c.Kafka.Brokers == "" || c.Kafka.Topic == "") {
		add("kafka brokers and topic required when enabled")
	}

	accounts := make(map[string]bool)
	for i, a := range c.Live.Accounts {
		if a.Name == "" {
			add("live.accounts[%d].name is required", i)
		}
		if accounts[a.Name] {
			add("live.accounts[%d]: duplicate account %q", i, a.Name)
		}
		accounts[a.Name] = true
		if a.Broker != oanda.Name {
			add("live.accounts[%d].broker must be %q", i, oanda.Name)
		} else if a.OANDA.AccountID == "" {
			add("live.accounts[%d].oanda.account_id is required", i)
		}
	}
	if c.Feed.Backfill.Count > 0 && !accounts[c.Feed.Backfill.Account] {
		add("feed.backfill.account must name a live account")
	}

	for i, inst := range c.Instances {
		if inst.Strategy == "" {
			add("instances[%d].strategy is required", i)
		}
		if inst.Account == "" {
			add("instances[%d].account is required", i)
		}
		if !inst.Mode.Valid() {
			add("instances[%d].mode must be paper or live", i)
		}
		if inst.Mode == trading.Live && !accounts[inst.Account] {
			add("instances[%d]: no live account %q", i, inst.Account)
		}
		if len(inst.Symbols) == 0 || len(inst.Timeframes) == 0 {
			add("instances[%d] needs symbols and timeframes", i)
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Log:    logging.Config{Level: "info", Encoding: "json"},
		Engine: EngineConfig{Lanes: 8, LaneBuffer: 1024},
		Market: marketdata.Config{HistoryCapacity: market.DefaultCapacity},
		Orchestrator: orchestrator.Config{
			MaxInstances: orchestrator.Limits{Paper: 20, Live: 5},
			Lookback:     100,
		},
		Paper: sim.DefaultConfig(),
		Live: LiveConfig{
			PendingTimeout: 30 * time.Second,
			PollRate:       5,
			PollInterval:   5 * time.Second,
		},
		Retry:   broker.DefaultRetry(),
		Store:   StoreConfig{Type: "memory"},
		Journal: JournalConfig{Type: "none", Queue: 1024},
		Feed: FeedConfig{
			Type:      "none",
			WebSocket: feed.DefaultWebSocketConfig(""),
			OANDA:     feed.OANDAConfig{BaseURL: feed.OANDAPracticeURL, Retry: broker.DefaultRetry()},
		},
		Symbols: SymbolsConfig{Any: true},
	}
}
