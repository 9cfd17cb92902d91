// Package config provides a reusable loader for the orchestrator's
// configuration files and environment variables. It is versioned so that
// callers can depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// ChainConfig holds the per-chain options a Chain Adapter (C4) needs:
// a ranked RPC endpoint list, required confirmations, and poll interval.
type ChainConfig struct {
	Tag                 string   `mapstructure:"tag" json:"tag"`
	ChainID             int64    `mapstructure:"chain_id" json:"chain_id"`
	RPCEndpoints        []string `mapstructure:"rpc_endpoints" json:"rpc_endpoints"`
	RequiredConfirmations uint64 `mapstructure:"required_confirmations" json:"required_confirmations"`
	PollInterval        string   `mapstructure:"poll_interval" json:"poll_interval"`
}

// RetryConfig configures the exponential-backoff policy shared by chain
// adapter writes and the event monitor's polling loop.
type RetryConfig struct {
	InitialDelay string  `mapstructure:"initial_delay" json:"initial_delay"`
	Factor       float64 `mapstructure:"factor" json:"factor"`
	MaxDelay     string  `mapstructure:"max_delay" json:"max_delay"`
	MaxAttempts  int     `mapstructure:"max_attempts" json:"max_attempts"`
}

// Config represents the unified configuration for the swap orchestrator. It
// mirrors §6.5 of the specification: service ports, per-chain RPC lists,
// the event monitor's reorg tolerance, session limits, Dutch-auction
// parameters, timelock parameters, retry backoff, secret lifetime, and the
// notifier's backlog cap.
type Config struct {
	Server struct {
		ListenAddr     string `mapstructure:"listen_addr" json:"listen_addr"`
		PushListenAddr string `mapstructure:"push_listen_addr" json:"push_listen_addr"`
		PushAuthToken  string `mapstructure:"push_auth_token" json:"push_auth_token"`
	} `mapstructure:"server" json:"server"`

	Chains struct {
		Source      ChainConfig `mapstructure:"source" json:"source"`
		Destination ChainConfig `mapstructure:"destination" json:"destination"`
	} `mapstructure:"chains" json:"chains"`

	Monitor struct {
		MaxReorgDepth  int    `mapstructure:"max_reorg_depth" json:"max_reorg_depth"`
		LogBatchBlocks int    `mapstructure:"log_batch_blocks" json:"log_batch_blocks"`
		TickInterval   string `mapstructure:"tick_interval" json:"tick_interval"`
	} `mapstructure:"monitor" json:"monitor"`

	Session struct {
		TTL             string `mapstructure:"ttl" json:"ttl"`
		MaxActive       int    `mapstructure:"max_active" json:"max_active"`
		TerminalGrace   string `mapstructure:"terminal_grace" json:"terminal_grace"`
	} `mapstructure:"session" json:"session"`

	Quote struct {
		BaseDurationSeconds int     `mapstructure:"base_duration_seconds" json:"base_duration_seconds"`
		Premium             float64 `mapstructure:"premium" json:"premium"`
		Discount            float64 `mapstructure:"discount" json:"discount"`
		ValidWindowSeconds  int     `mapstructure:"valid_window_seconds" json:"valid_window_seconds"`
	} `mapstructure:"quote" json:"quote"`

	Timelock struct {
		BaseDuration      string `mapstructure:"base_duration" json:"base_duration"`
		PublicWindow      string `mapstructure:"public_window" json:"public_window"`
		CancelWindow      string `mapstructure:"cancel_window" json:"cancel_window"`
		SafetyBuffer      string `mapstructure:"safety_buffer" json:"safety_buffer"`
	} `mapstructure:"timelock" json:"timelock"`

	Retry RetryConfig `mapstructure:"retry" json:"retry"`

	Secret struct {
		Lifetime string `mapstructure:"lifetime" json:"lifetime"`
	} `mapstructure:"secret" json:"secret"`

	Notifier struct {
		BacklogCap int `mapstructure:"backlog_cap" json:"backlog_cap"`
	} `mapstructure:"notifier" json:"notifier"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	// Best-effort: a missing .env is normal outside local development.
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("SWAPD")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SWAPD_ENV environment variable
// to select an optional overlay file (e.g. "production" merges
// config/production.yaml over config/default.yaml).
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SWAPD_ENV", ""))
}
