// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/shogun-labs/relay/relay"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay peer",
		RunE:  runPeer,
	}
	cmd.Flags().String("web.address", "", "override the web listen address")
	cmd.Flags().String("node.nodeurl", "", "override the ipfs node api url")
	return cmd
}

func runPeer(cmd *cobra.Command, args []string) (err error) {
	log, err := openLog()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	peer, err := relay.New(log, config)
	if err != nil {
		return err
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	if runErr != nil {
		log.Error("relay stopped", zap.Error(runErr))
	}
	return errs.Combine(runErr, closeErr)
}
