package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ghostchain/core"
	"ghostchain/pkg/config"
)

func main() {
	log := logrus.StandardLogger()

	rootCmd := &cobra.Command{Use: "ghostchaind"}
	rootCmd.AddCommand(startCmd(log))
	rootCmd.AddCommand(genesisCmd(log))
	rootCmd.AddCommand(verifyChainCmd(log))

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(3)
	}
}

func loadConfig(env string, log *logrus.Logger) (*config.Config, error) {
	cfg, err := config.Load(env)
	if err != nil {
		log.WithError(err).Error("configuration error")
		return nil, err
	}
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	return cfg, nil
}

func nodeConfigFrom(cfg *config.Config, self core.Address) core.NodeConfig {
	return core.NodeConfig{
		DataDir:         cfg.Storage.DataDir,
		BindAddress:     cfg.Network.BindAddress,
		P2PPort:         cfg.Network.P2PPort,
		MinimumStake:    cfg.Consensus.MinimumStake,
		BlockTimeMs:     cfg.Consensus.BlockTimeMS,
		MaxPeers:        cfg.Network.MaxPeers,
		MaxConnections:  cfg.Network.MaxConnections,
		MempoolCapacity: cfg.Mempool.Capacity,
		Self:            self,
	}
}

// startCmd boots the node orchestrator: open storage, rebuild indexes and
// ledger, start the peer manager, spawn background tasks (§4.8).
func startCmd(log *logrus.Logger) *cobra.Command {
	var env string
	var identityHex string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the ghostchain node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(env, log)
			if err != nil {
				os.Exit(1)
			}

			self, _, err := loadOrGenerateIdentity(identityHex)
			if err != nil {
				log.WithError(err).Error("identity error")
				os.Exit(1)
			}

			node, err := core.NewNode(nodeConfigFrom(cfg, self), log)
			if err != nil {
				log.WithError(err).Error("node initialization failed")
				os.Exit(2)
			}

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutdown signal received")
				cancel()
			}()

			if err := node.Start(ctx, nil); err != nil {
				log.WithError(err).Error("node start failed")
				os.Exit(3)
			}

			if cfg.Network.MetricsAddress != "" {
				go func() {
					log.WithField("addr", cfg.Network.MetricsAddress).Info("serving metrics")
					if err := node.Metrics().ServeLoopback(cfg.Network.MetricsAddress); err != nil {
						log.WithError(err).Error("metrics listener exited")
					}
				}()
			}

			<-ctx.Done()
			if err := node.Shutdown(); err != nil {
				log.WithError(err).Error("shutdown error")
				os.Exit(3)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay config name")
	cmd.Flags().StringVar(&identityHex, "identity", "", "hex-encoded Ed25519 private key seed (generated if empty)")
	return cmd
}

// genesisCmd writes a bootstrap block and validator set to a fresh data
// directory (§2 CLI surface).
func genesisCmd(log *logrus.Logger) *cobra.Command {
	var env string
	var validatorHex string
	var stake uint64
	var gasSeed uint64

	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "write a bootstrap block and validator set to a fresh data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(env, log)
			if err != nil {
				os.Exit(1)
			}
			validatorAddr, err := core.AddressFromHex(validatorHex)
			if err != nil {
				log.WithError(err).Error("invalid validator address")
				os.Exit(1)
			}

			node, err := core.NewNode(nodeConfigFrom(cfg, validatorAddr), log)
			if err != nil {
				log.WithError(err).Error("node initialization failed")
				os.Exit(2)
			}

			err = core.Bootstrap(node, []core.GenesisValidator{
				{Address: validatorAddr, Stake: stake, GasSeed: gasSeed},
			}, nil, uint64(time.Now().UnixMilli()))
			if err != nil {
				log.WithError(err).Error("bootstrap failed")
				os.Exit(1)
			}
			fmt.Println("genesis block written")
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay config name")
	cmd.Flags().StringVar(&validatorHex, "validator", "", "validator address (hex)")
	cmd.Flags().Uint64Var(&stake, "stake", 1_000_000, "initial STAKE allocation")
	cmd.Flags().Uint64Var(&gasSeed, "gas-seed", 1000, "initial GAS allocation")
	return cmd
}

// verifyChainCmd runs the storage engine's integrity check against an
// existing data directory (§2 CLI surface, §4.3's verify_chain).
func verifyChainCmd(log *logrus.Logger) *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "verify block-chain integrity against the configured data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(env, log)
			if err != nil {
				os.Exit(1)
			}
			storage, err := core.OpenStorage(cfg.Storage.DataDir, log)
			if err != nil {
				log.WithError(err).Error("open storage failed")
				os.Exit(2)
			}
			defer storage.Close()

			ok, err := storage.VerifyChain()
			if err != nil {
				log.WithError(err).Error("chain verification failed")
				os.Exit(2)
			}
			if !ok {
				fmt.Println("chain integrity check FAILED")
				os.Exit(2)
			}
			fmt.Println("chain integrity check passed")
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay config name")
	return cmd
}

func loadOrGenerateIdentity(hexSeed string) (core.Address, ed25519.PrivateKey, error) {
	if hexSeed != "" {
		seed, err := hex.DecodeString(hexSeed)
		if err == nil && len(seed) == ed25519.SeedSize {
			key := ed25519.NewKeyFromSeed(seed)
			return core.DeriveAddress(key.Public().(ed25519.PublicKey)), key, nil
		}
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return core.Address{}, nil, err
	}
	return core.DeriveAddress(pub), priv, nil
}
