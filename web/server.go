// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package web exposes the relay over HTTP: the gateway routes, the x402
// subscription surface, deals, the drive tree, and administration.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shogun-labs/relay/auth"
	"github.com/shogun-labs/relay/deal"
	"github.com/shogun-labs/relay/drive"
	"github.com/shogun-labs/relay/governor"
	"github.com/shogun-labs/relay/internal/memory"
	"github.com/shogun-labs/relay/internal/sync2"
	"github.com/shogun-labs/relay/ipfs"
	"github.com/shogun-labs/relay/ledger"
	"github.com/shogun-labs/relay/pipeline"
	"github.com/shogun-labs/relay/sub"
)

var (
	mon = monkit.Package()

	// Error is the default web server error class.
	Error = errs.Class("web error")
)

// Config holds the http server parameters.
type Config struct {
	Address        string      `help:"address the server listens on" default:":8080"`
	MaxRequestSize memory.Size `help:"hard cap on request bodies" default:"100MiB"`

	UploadBudget time.Duration `help:"deadline for upload requests" default:"5m"`
	ReadBudget   time.Duration `help:"deadline for read requests" default:"30s"`

	RateLimit        int           `help:"requests per client ip per window" default:"1000"`
	RateWindow       time.Duration `help:"general rate limit window" default:"15m"`
	UploadRateLimit  int           `help:"uploads per client ip per window" default:"100"`
	UploadRateWindow time.Duration `help:"upload rate limit window" default:"1h"`

	CORSOrigin string `help:"value of the allow-origin header" default:"*"`

	ShutdownGrace time.Duration `help:"drain budget for graceful shutdown" default:"30s"`
}

// Services are the collaborators the handlers dispatch into. Nil members
// disable their routes with a 503.
type Services struct {
	Auth     *auth.Multiplexer
	Keys     *auth.APIKeys
	Pipeline *pipeline.Service
	Subs     *sub.Service
	Deals    *deal.Service
	Drive    drive.Backend
	Node     *ipfs.Client
	DB       *ledger.Ledger
	Governor *governor.Governor
}

// Server is the relay's http surface.
//
// architecture: Endpoint
type Server struct {
	log      *zap.Logger
	config   Config
	services Services

	listener net.Listener
	server   http.Server

	limiter       *sync2.KeyedLimiter
	uploadLimiter *sync2.KeyedLimiter

	startedAt time.Time
}

// NewServer binds the listener and builds the route table.
func NewServer(log *zap.Logger, config Config, services Services) (*Server, error) {
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = 100 * memory.MiB
	}
	if config.UploadBudget <= 0 {
		config.UploadBudget = 5 * time.Minute
	}
	if config.ReadBudget <= 0 {
		config.ReadBudget = 30 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 1000
	}
	if config.RateWindow <= 0 {
		config.RateWindow = 15 * time.Minute
	}
	if config.UploadRateLimit <= 0 {
		config.UploadRateLimit = 100
	}
	if config.UploadRateWindow <= 0 {
		config.UploadRateWindow = time.Hour
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 30 * time.Second
	}

	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	server := &Server{
		log:           log,
		config:        config,
		services:      services,
		listener:      listener,
		limiter:       sync2.NewKeyedLimiter(config.RateLimit, config.RateWindow, time.Minute),
		uploadLimiter: sync2.NewKeyedLimiter(config.UploadRateLimit, config.UploadRateWindow, time.Minute),
		startedAt:     time.Now().UTC(),
	}
	server.server = http.Server{
		Handler: server.Router(),
	}
	return server, nil
}

// Addr reports the bound listen address.
func (server *Server) Addr() string { return server.listener.Addr().String() }

// Router builds the full route table with the middleware chain applied.
func (server *Server) Router() http.Handler {
	router := mux.NewRouter()
	// traversal attempts must reach the drive's path policy, not a redirect
	router.SkipClean(true)
	router.Use(server.withRequestID, server.withCORS, server.withRateLimit, server.withSizeLimit, server.withAuth)

	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/ipfs/upload", server.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/ipfs/upload-directory", server.handleUploadDirectory).Methods(http.MethodPost)
	api.HandleFunc("/ipfs/cat/{cid}", server.handleCat).Methods(http.MethodGet)
	api.HandleFunc("/ipfs/cat/{cid}/{subpath:.*}", server.handleCat).Methods(http.MethodGet)
	api.HandleFunc("/ipfs/pin/add", server.handlePinAdd).Methods(http.MethodPost)
	api.HandleFunc("/ipfs/upload/{cid}", server.handleUploadDelete).Methods(http.MethodDelete)
	api.HandleFunc("/ipfs/uploads", server.handleUploadList).Methods(http.MethodGet)

	api.HandleFunc("/x402/subscribe", server.handleSubscribe).Methods(http.MethodPost)
	api.HandleFunc("/x402/subscription/{addr}", server.handleSubscription).Methods(http.MethodGet)
	api.HandleFunc("/x402/tiers", server.handleTiers).Methods(http.MethodGet)

	api.HandleFunc("/deals/create", server.handleDealCreate).Methods(http.MethodPost)
	api.HandleFunc("/deals/{id}/activate", server.handleDealActivate).Methods(http.MethodPost)
	api.HandleFunc("/deals/{id}/verify", server.handleDealVerify).Methods(http.MethodGet)
	api.HandleFunc("/deals/{id}/verify-proof", server.handleDealVerify).Methods(http.MethodGet)
	api.HandleFunc("/deals/{id}/cancel", server.handleDealCancel).Methods(http.MethodPost)
	api.HandleFunc("/deals/{id}/renew", server.handleDealRenew).Methods(http.MethodPost)
	api.HandleFunc("/deals/{id}", server.handleDealGet).Methods(http.MethodGet)
	api.HandleFunc("/deals", server.handleDealList).Methods(http.MethodGet)

	api.HandleFunc("/drive/list", server.handleDriveList).Methods(http.MethodGet)
	api.HandleFunc("/drive/list/{path:.*}", server.handleDriveList).Methods(http.MethodGet)
	api.HandleFunc("/drive/upload/{path:.*}", server.handleDriveUpload).Methods(http.MethodPost)
	api.HandleFunc("/drive/download/{path:.*}", server.handleDriveDownload).Methods(http.MethodGet)
	api.HandleFunc("/drive/delete/{path:.*}", server.handleDriveDelete).Methods(http.MethodDelete)
	api.HandleFunc("/drive/mkdir", server.handleDriveMkdir).Methods(http.MethodPost)
	api.HandleFunc("/drive/move", server.handleDriveMove).Methods(http.MethodPost)
	api.HandleFunc("/drive/stats", server.handleDriveStats).Methods(http.MethodGet)
	api.HandleFunc("/drive/stats/{path:.*}", server.handleDriveStats).Methods(http.MethodGet)

	api.HandleFunc("/drive/links", server.handleLinkCreate).Methods(http.MethodPost)
	api.HandleFunc("/drive/links", server.handleLinkList).Methods(http.MethodGet)
	api.HandleFunc("/drive/links/{id}", server.handleLinkDelete).Methods(http.MethodDelete)
	api.HandleFunc("/drive/public/{linkId}", server.handlePublicDownload).Methods(http.MethodGet)

	api.HandleFunc("/api-keys", server.handleKeyList).Methods(http.MethodGet)
	api.HandleFunc("/api-keys", server.handleKeyCreate).Methods(http.MethodPost)
	api.HandleFunc("/api-keys/{keyId}", server.handleKeyDelete).Methods(http.MethodDelete)

	api.HandleFunc("/auth/login", server.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", server.handleLogout).Methods(http.MethodPost)

	return router
}

// Run serves until ctx is done, then drains within the shutdown grace.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		grace, cancel := context.WithTimeout(context.Background(), server.config.ShutdownGrace)
		defer cancel()
		return Error.Wrap(server.server.Shutdown(grace))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	group.Go(func() error {
		return server.limiter.Run(ctx)
	})
	group.Go(func() error {
		return server.uploadLimiter.Run(ctx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the listener and limiter resources.
func (server *Server) Close() error {
	server.limiter.Close()
	server.uploadLimiter.Close()
	err := server.server.Close()
	// the listener is only tracked by the http server once Serve ran
	if closeErr := server.listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		err = errs.Combine(err, closeErr)
	}
	return Error.Wrap(err)
}
