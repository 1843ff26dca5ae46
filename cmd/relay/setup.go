// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/shogun-labs/relay/identity"
)

// configTemplate is the initial configuration written by setup. It keeps
// the documented defaults visible so operators edit rather than guess.
const configTemplate = `# relay configuration

identity:
  # path of the relay keypair file; generated by setup
  keypath: %q

ledger:
  # ledger substrate: bolt or redis
  backend: bolt
  boltpath: ./relay.db
  # redisaddress: 127.0.0.1:6379
  # redispassword: ""
  # redisdb: 0

drive:
  # drive backend: local or s3
  backend: local
  root: ./drive
  statsfanout: 8
  # s3:
  #   endpoint: s3.example.com:9000
  #   accesskey: ""
  #   secretkey: ""
  #   bucket: relay-drive
  #   usessl: true

node:
  nodeurl: http://127.0.0.1:5001
  requesttimeout: 30s
  pintimeout: 120s
  addtimeout: 5m

auth:
  # shared admin bearer token; empty disables admin auth
  admintoken: ""
  sessionttl: 24h
  failurelimit: 5
  failurewindow: 15m

payments:
  # payment verifier mode: x402 or accept-all (dev only)
  mode: x402
  # settleurl is required in x402 mode
  settleurl: ""
  calltimeout: 30s

governor:
  # global relay storage cap, 0 disables the cap
  relaycap: 0
  warningthreshold: 0.8

web:
  address: :8080
  ratelimit: 1000
  ratewindow: 15m
  uploadratelimit: 100
  uploadratewindow: 1h
  corsorigin: "*"
`

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Write the initial configuration and generate the relay keypair",
		RunE:  runSetup,
	}
}

func runSetup(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgFile); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", cfgFile)
	}

	keyPath := defaultConfig().Identity.KeyPath
	rendered := fmt.Sprintf(configTemplate, keyPath)

	// the template must stay parseable
	var parsed map[string]interface{}
	if err := yaml.Unmarshal([]byte(rendered), &parsed); err != nil {
		return fmt.Errorf("internal: config template is not valid yaml: %w", err)
	}

	if dir := filepath.Dir(cfgFile); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	if err := os.WriteFile(cfgFile, []byte(rendered), 0600); err != nil {
		return err
	}

	ident, err := identity.LoadOrCreate(keyPath)
	if err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", cfgFile)
	fmt.Printf("relay identity: %s (%s)\n", ident.Address, keyPath)
	return nil
}
