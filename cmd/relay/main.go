// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// relay is the process entry point: setup writes the initial
// configuration, run starts the peer.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shogun-labs/relay/auth"
	"github.com/shogun-labs/relay/deal"
	"github.com/shogun-labs/relay/drive"
	"github.com/shogun-labs/relay/governor"
	"github.com/shogun-labs/relay/identity"
	"github.com/shogun-labs/relay/internal/memory"
	"github.com/shogun-labs/relay/ipfs"
	"github.com/shogun-labs/relay/payments"
	"github.com/shogun-labs/relay/pipeline"
	"github.com/shogun-labs/relay/relay"
	"github.com/shogun-labs/relay/scheduler"
	"github.com/shogun-labs/relay/web"
)

var (
	rootCmd = &cobra.Command{
		Use:   "relay",
		Short: "Relay between applications and a content-addressed store",
	}

	cfgFile string
	devMode bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "./config.yaml", "path of the configuration file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "use development logging")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSetupCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openLog() (*zap.Logger, error) {
	if devMode {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// defaultConfig mirrors the defaults documented in the package Config
// structs.
func defaultConfig() relay.Config {
	return relay.Config{
		Identity: identity.Config{KeyPath: "./relay_key.json"},
		Ledger: relay.LedgerConfig{
			Backend:      "bolt",
			BoltPath:     "./relay.db",
			RedisAddress: "127.0.0.1:6379",
		},
		Drive: drive.Config{
			Backend:     "local",
			Root:        "./drive",
			StatsFanOut: 8,
			S3:          drive.S3Config{UseSSL: true},
		},
		Node: ipfs.Config{
			NodeURL:        "http://127.0.0.1:5001",
			RequestTimeout: 30 * time.Second,
			PinTimeout:     120 * time.Second,
			AddTimeout:     5 * time.Minute,
		},
		Auth: auth.Config{
			SessionTTL:    24 * time.Hour,
			FailureLimit:  5,
			FailureWindow: 15 * time.Minute,
		},
		Payments: payments.Config{
			Mode:        "x402",
			CallTimeout: 30 * time.Second,
		},
		Governor: governor.Config{WarningThreshold: 0.8},
		Pipeline: pipeline.Config{
			MaxUploadSize:    100 * memory.MiB,
			EstimateFallback: 10 * memory.MiB,
		},
		Deal: deal.Config{GraceWindow: 24 * time.Hour},
		Scheduler: scheduler.Config{
			DealFastSyncInterval: 120 * time.Second,
			DealFullSyncInterval: 300 * time.Second,
			OrphanSweepInterval:  time.Hour,
			OrphanMaxAge:         time.Hour,
			LinkExpiryInterval:   300 * time.Second,
			ReconcileInterval:    time.Hour,
			SessionReapInterval:  300 * time.Second,
			PulseInterval:        10 * time.Second,
			SessionTTL:           24 * time.Hour,
		},
		Web: web.Config{
			Address:          ":8080",
			MaxRequestSize:   100 * memory.MiB,
			UploadBudget:     5 * time.Minute,
			ReadBudget:       30 * time.Second,
			RateLimit:        1000,
			RateWindow:       15 * time.Minute,
			UploadRateLimit:  100,
			UploadRateWindow: time.Hour,
			CORSOrigin:       "*",
			ShutdownGrace:    30 * time.Second,
		},
	}
}

// loadConfig layers the config file and RELAY_* environment variables
// over the defaults.
func loadConfig(flags *pflag.FlagSet) (relay.Config, error) {
	v := viper.New()
	v.SetConfigFile(cfgFile)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return relay.Config{}, fmt.Errorf("reading %s: %w", cfgFile, err)
			}
		}
	}
	// only explicitly set flags override the file and environment
	flags.Visit(func(flag *pflag.Flag) {
		v.Set(flag.Name, flag.Value.String())
	})

	config := defaultConfig()
	if err := v.Unmarshal(&config); err != nil {
		return relay.Config{}, fmt.Errorf("parsing %s: %w", cfgFile, err)
	}
	return config, nil
}
