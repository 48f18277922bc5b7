package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.P2PPort != 7777 {
		t.Fatalf("p2p_port = %d, want 7777", cfg.Network.P2PPort)
	}
	if cfg.Consensus.MinimumStake != 1000 {
		t.Fatalf("minimum_stake = %d, want 1000", cfg.Consensus.MinimumStake)
	}
	if cfg.Mempool.Capacity != 10000 {
		t.Fatalf("mempool_capacity = %d, want 10000", cfg.Mempool.Capacity)
	}
}

func TestLoadOverrideMergesOnTopOfDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	sandbox := t.TempDir()
	if err := os.Mkdir(filepath.Join(sandbox, "config"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	defaultYAML := []byte("network:\n  bind_address: \"0.0.0.0\"\n  p2p_port: 7777\n  max_peers: 64\n  max_connections: 128\nconsensus:\n  block_time_ms: 12000\n  minimum_stake: 1000\nmempool:\n  mempool_capacity: 10000\nstorage:\n  data_dir: \"./data\"\nlogging:\n  level: \"info\"\n")
	if err := os.WriteFile(filepath.Join(sandbox, "config", "default.yaml"), defaultYAML, 0o644); err != nil {
		t.Fatalf("write default.yaml: %v", err)
	}
	bootstrapYAML := []byte("network:\n  max_peers: 8\n")
	if err := os.WriteFile(filepath.Join(sandbox, "config", "bootstrap.yaml"), bootstrapYAML, 0o644); err != nil {
		t.Fatalf("write bootstrap.yaml: %v", err)
	}

	if err := os.Chdir(sandbox); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	cfg, err := Load("bootstrap")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.MaxPeers != 8 {
		t.Fatalf("max_peers = %d, want 8 (override must win)", cfg.Network.MaxPeers)
	}
	if cfg.Consensus.MinimumStake != 1000 {
		t.Fatalf("minimum_stake = %d, want 1000 (default must survive merge)", cfg.Consensus.MinimumStake)
	}
}
