package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"Archiver/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "archiver",
		Short:        "Archive the cycle chain and state metadata of a sharded network",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			return run(cfg)
		},
	}

	bindFlags(cmd)

	return cmd
}

// run is the main entry point with error handling.
func run(cfg *Config) error {
	logger.Init(cfg.LogLevel)
	defer logger.Sync()

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays archiver configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting archiver",
		"pubkey", hex.EncodeToString(pubKey),
		"ip", cfg.IP,
		"port", cfg.Port,
		"data", cfg.DataPath,
		"storage", cfg.Storage,
		"archivers", len(cfg.Archivers),
		"seeds", len(cfg.Seeds),
	)
}
