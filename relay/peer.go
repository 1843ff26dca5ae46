// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package relay wires the relay services into a single runnable peer.
package relay

import (
	"context"
	"errors"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shogun-labs/relay/auth"
	"github.com/shogun-labs/relay/deal"
	"github.com/shogun-labs/relay/drive"
	"github.com/shogun-labs/relay/governor"
	"github.com/shogun-labs/relay/identity"
	"github.com/shogun-labs/relay/ipfs"
	"github.com/shogun-labs/relay/kvstore"
	"github.com/shogun-labs/relay/kvstore/boltdb"
	"github.com/shogun-labs/relay/kvstore/redis"
	"github.com/shogun-labs/relay/ledger"
	"github.com/shogun-labs/relay/payments"
	"github.com/shogun-labs/relay/pipeline"
	"github.com/shogun-labs/relay/scheduler"
	"github.com/shogun-labs/relay/sub"
	"github.com/shogun-labs/relay/web"
)

var (
	mon = monkit.Package()

	// Error is the default relay peer error class.
	Error = errs.Class("relay error")
)

// LedgerConfig selects and locates the ledger substrate.
type LedgerConfig struct {
	Backend string `help:"ledger substrate: bolt or redis" default:"bolt"`

	BoltPath string `help:"path of the bolt database file" default:"./relay.db"`

	RedisAddress  string `help:"address of the redis server" default:"127.0.0.1:6379"`
	RedisPassword string `help:"password of the redis server" default:""`
	RedisDB       int    `help:"redis database number" default:"0"`
}

// Config is all the configuration parameters for a relay peer.
type Config struct {
	Identity identity.Config `yaml:"identity"`
	Ledger   LedgerConfig    `yaml:"ledger"`
	Drive    drive.Config    `yaml:"drive"`
	Node     ipfs.Config     `yaml:"node"`
	Auth     auth.Config     `yaml:"auth"`
	Payments payments.Config `yaml:"payments"`
	Governor governor.Config `yaml:"governor"`
	Pipeline pipeline.Config `yaml:"pipeline"`
	Deal     deal.Config     `yaml:"deal"`

	Scheduler scheduler.Config `yaml:"scheduler"`
	Web       web.Config       `yaml:"web"`
}

// Peer is the relay process with every service wired.
//
// architecture: Peer
type Peer struct {
	Log      *zap.Logger
	Identity *identity.FullIdentity

	Store kvstore.Store
	DB    *ledger.Ledger

	Drive drive.Backend
	Node  *ipfs.Client

	Auth struct {
		Keys        *auth.APIKeys
		Sessions    *auth.Sessions
		Multiplexer *auth.Multiplexer
	}

	Payments payments.Verifier
	Governor *governor.Governor
	Catalog  *sub.Catalog

	Subs     *sub.Service
	Deals    *deal.Service
	Pipeline *pipeline.Service

	Scheduler *scheduler.Service
	Web       *web.Server
}

// New creates a relay peer from the configuration. A failed setup step
// closes whatever was already opened.
func New(log *zap.Logger, config Config) (*Peer, error) {
	peer := &Peer{Log: log}

	var err error

	{ // identity
		peer.Identity, err = identity.LoadOrCreate(config.Identity.KeyPath)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		log.Info("identity loaded", zap.String("address", peer.Identity.Address))
	}

	{ // ledger substrate
		switch config.Ledger.Backend {
		case "bolt", "":
			peer.Store, err = boltdb.New(config.Ledger.BoltPath)
		case "redis":
			peer.Store, err = redis.New(config.Ledger.RedisAddress, config.Ledger.RedisPassword, config.Ledger.RedisDB)
		default:
			err = Error.New("unknown ledger backend %q", config.Ledger.Backend)
		}
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.DB = ledger.New(log.Named("ledger"), peer.Store, peer.Identity.Address)
	}

	{ // drive
		peer.Drive, err = drive.OpenBackend(config.Drive)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // content-addressed store
		peer.Node = ipfs.New(log.Named("ipfs"), config.Node)
	}

	{ // auth
		peer.Auth.Keys = auth.NewAPIKeys(log.Named("apikeys"), peer.DB)
		peer.Auth.Sessions = auth.NewSessions(config.Auth.SessionTTL)
		peer.Auth.Multiplexer = auth.NewMultiplexer(log.Named("auth"), config.Auth, peer.Auth.Keys, peer.Auth.Sessions)
	}

	{ // payments and quota
		peer.Payments, err = payments.NewVerifier(log.Named("payments"), config.Payments)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Governor = governor.New(config.Governor)
	}

	{ // core services
		peer.Catalog = sub.NewCatalog(nil, nil)
		peer.Subs = sub.NewService(log.Named("sub"), peer.DB, peer.Catalog, peer.Payments, peer.Governor)
		peer.Deals = deal.NewService(log.Named("deal"), config.Deal, peer.DB, peer.Catalog, peer.Payments, peer.Node, peer.Identity)
		peer.Pipeline = pipeline.NewService(log.Named("pipeline"), config.Pipeline, peer.DB, peer.Node, peer.Governor)
	}

	{ // scheduler
		peer.Scheduler = scheduler.New(log.Named("scheduler"), config.Scheduler,
			peer.DB, peer.Deals, peer.Node, peer.Auth.Sessions, peer.Governor, peer.Identity)
	}

	{ // web surface
		peer.Web, err = web.NewServer(log.Named("web"), config.Web, web.Services{
			Auth:     peer.Auth.Multiplexer,
			Keys:     peer.Auth.Keys,
			Pipeline: peer.Pipeline,
			Subs:     peer.Subs,
			Deals:    peer.Deals,
			Drive:    peer.Drive,
			Node:     peer.Node,
			DB:       peer.DB,
			Governor: peer.Governor,
		})
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	return peer, nil
}

// Addr reports the bound web listen address.
func (peer *Peer) Addr() string { return peer.Web.Addr() }

// Run starts the servers and chores and blocks until ctx is canceled or
// one of them fails.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	peer.Log.Info("relay started", zap.String("address", peer.Addr()))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return peer.Web.Run(ctx)
	})
	group.Go(func() error {
		return peer.Scheduler.Run(ctx)
	})
	group.Go(func() error {
		return peer.Auth.Multiplexer.RunFailureSweeper(ctx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close shuts the services down in reverse setup order.
func (peer *Peer) Close() error {
	var group errs.Group

	if peer.Web != nil {
		group.Add(peer.Web.Close())
	}
	if peer.Scheduler != nil {
		group.Add(peer.Scheduler.Close())
	}
	if peer.Auth.Multiplexer != nil {
		group.Add(peer.Auth.Multiplexer.Close())
	}
	if peer.Drive != nil {
		group.Add(peer.Drive.Close())
	}
	if peer.Store != nil {
		group.Add(peer.Store.Close())
	}
	return group.Err()
}
