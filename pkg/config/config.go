package config

// Package config provides a reusable loader for GhostChain node
// configuration files and environment variables.
//
// Version: v0.1.0

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"ghostchain/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a GhostChain node
// (§6's recognized options, plus ambient Logging/Storage sections in the
// teacher's style).
type Config struct {
	Network struct {
		BindAddress     string   `mapstructure:"bind_address" json:"bind_address"`
		P2PPort         int      `mapstructure:"p2p_port" json:"p2p_port"`
		MaxPeers        int      `mapstructure:"max_peers" json:"max_peers"`
		MaxConnections  int      `mapstructure:"max_connections" json:"max_connections"`
		BootstrapPeers  []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		RPCAddress      string   `mapstructure:"rpc_address" json:"rpc_address"`
		RPCPort         int      `mapstructure:"rpc_port" json:"rpc_port"`
		MetricsAddress  string   `mapstructure:"metrics_address" json:"metrics_address"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		BlockTimeMS  int    `mapstructure:"block_time_ms" json:"block_time_ms"`
		MinimumStake uint64 `mapstructure:"minimum_stake" json:"minimum_stake"`
	} `mapstructure:"consensus" json:"consensus"`

	Mempool struct {
		Capacity int `mapstructure:"mempool_capacity" json:"mempool_capacity"`
	} `mapstructure:"mempool" json:"mempool"`

	Storage struct {
		DataDir string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
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

	viper.SetEnvPrefix("ghostchain")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // picks up GHOSTCHAIN_-prefixed overrides

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the GHOSTCHAIN_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("GHOSTCHAIN_ENV", ""))
}
