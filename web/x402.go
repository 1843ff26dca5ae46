// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package web

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shogun-labs/relay/auth"
	"github.com/shogun-labs/relay/internal/relayerr"
)

func (server *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapSubscribe); err != nil {
		server.respondError(w, r, err)
		return
	}
	if server.services.Subs == nil {
		server.respondError(w, r, relayerr.Disabled.Wrap(Error.New("subscriptions disabled")))
		return
	}

	var req struct {
		Tier    string          `json:"tier"`
		Address string          `json:"address"`
		Payment json.RawMessage `json:"payment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}

	// wallets subscribe themselves; admins may subscribe any address
	addr := principal.Address
	if req.Address != "" {
		if !principal.Owns(req.Address) {
			server.respondError(w, r, relayerr.Forbidden.Wrap(Error.New("cannot subscribe another wallet")))
			return
		}
		addr = req.Address
	}
	if addr == "" {
		server.respondError(w, r, relayerr.Malformed.Wrap(Error.New("missing address")))
		return
	}

	record, err := server.services.Subs.Subscribe(r.Context(), addr, req.Tier, req.Payment)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"subscription": record})
}

func (server *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	if server.services.Subs == nil {
		server.respondError(w, r, relayerr.Disabled.Wrap(Error.New("subscriptions disabled")))
		return
	}

	status, err := server.services.Subs.Get(r.Context(), mux.Vars(r)["addr"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{
		"active":       status.Active,
		"subscription": status.Subscription,
	})
}

func (server *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	if server.services.Subs == nil {
		server.respondError(w, r, relayerr.Disabled.Wrap(Error.New("subscriptions disabled")))
		return
	}

	listing, err := server.services.Subs.ListTiers(r.Context())
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{
		"tiers":     listing.Tiers,
		"dealTiers": listing.DealTiers,
		"relay":     listing.Relay,
	})
}
