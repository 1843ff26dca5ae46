// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shogun-labs/relay/auth"
	"github.com/shogun-labs/relay/internal/relayerr"
)

func (server *Server) dealsEnabled(w http.ResponseWriter, r *http.Request) bool {
	if server.services.Deals == nil {
		server.respondError(w, r, relayerr.Disabled.Wrap(Error.New("deals disabled")))
		return false
	}
	return true
}

func (server *Server) handleDealCreate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapDealWrite); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.dealsEnabled(w, r) {
		return
	}

	var req struct {
		CID           string `json:"cid"`
		ClientAddress string `json:"clientAddress"`
		SizeBytes     int64  `json:"sizeBytes"`
		DurationDays  int    `json:"durationDays"`
		Tier          string `json:"tier"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}

	clientAddr := principal.Address
	if req.ClientAddress != "" {
		if !principal.Owns(req.ClientAddress) {
			server.respondError(w, r, relayerr.Forbidden.Wrap(Error.New("cannot open a deal for another wallet")))
			return
		}
		clientAddr = req.ClientAddress
	}
	if clientAddr == "" {
		server.respondError(w, r, relayerr.Malformed.Wrap(Error.New("missing client address")))
		return
	}

	// size may be omitted when the content is already in the store
	sizeBytes := req.SizeBytes
	if sizeBytes == 0 && server.services.Node != nil {
		if stat, err := server.services.Node.Stat(r.Context(), req.CID); err == nil {
			sizeBytes = stat.CumulativeSize
		}
	}

	created, err := server.services.Deals.Create(r.Context(), clientAddr, req.CID, sizeBytes,
		req.Tier, time.Duration(req.DurationDays)*24*time.Hour)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	server.respond(w, http.StatusOK, body{
		"dealId": created.ID,
		"deal":   created,
		"paymentRequired": body{
			"amountAtomic": created.PriceAtomic,
		},
	})
}

func (server *Server) handleDealActivate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapDealWrite); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.dealsEnabled(w, r) {
		return
	}

	dealID := mux.Vars(r)["id"]
	stored, err := server.services.Deals.Get(r.Context(), dealID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if !principal.Owns(stored.ClientAddress) {
		server.respondError(w, r, relayerr.Forbidden.Wrap(Error.New("deal %s is not owned by requester", dealID)))
		return
	}

	var req struct {
		Payment json.RawMessage `json:"payment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}

	activated, err := server.services.Deals.Activate(r.Context(), dealID, req.Payment)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"deal": activated})
}

func (server *Server) handleDealVerify(w http.ResponseWriter, r *http.Request) {
	if !server.dealsEnabled(w, r) {
		return
	}

	challenge := r.URL.Query().Get("challenge")
	if challenge == "" {
		server.respondError(w, r, relayerr.Malformed.Wrap(Error.New("missing challenge")))
		return
	}

	proof, err := server.services.Deals.Verify(r.Context(), mux.Vars(r)["id"], challenge)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{
		"verified":  proof.Exists && proof.Pinned,
		"proofHash": proof.ProofHash,
		"proof":     proof,
	})
}

func (server *Server) handleDealCancel(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapDealWrite); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.dealsEnabled(w, r) {
		return
	}

	isAdmin := principal.Kind == auth.KindAdmin || principal.Kind == auth.KindAPIKey
	cancelled, err := server.services.Deals.Cancel(r.Context(), mux.Vars(r)["id"], principal.Address, isAdmin)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"deal": cancelled})
}

func (server *Server) handleDealRenew(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapDealWrite); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.dealsEnabled(w, r) {
		return
	}

	dealID := mux.Vars(r)["id"]
	stored, err := server.services.Deals.Get(r.Context(), dealID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if !principal.Owns(stored.ClientAddress) {
		server.respondError(w, r, relayerr.Forbidden.Wrap(Error.New("deal %s is not owned by requester", dealID)))
		return
	}

	var req struct {
		DurationDays int             `json:"durationDays"`
		Payment      json.RawMessage `json:"payment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}

	renewed, err := server.services.Deals.Renew(r.Context(), dealID,
		time.Duration(req.DurationDays)*24*time.Hour, req.Payment)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"deal": renewed})
}

func (server *Server) handleDealGet(w http.ResponseWriter, r *http.Request) {
	if !server.dealsEnabled(w, r) {
		return
	}

	stored, err := server.services.Deals.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"deal": stored})
}

func (server *Server) handleDealList(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapDealWrite); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.dealsEnabled(w, r) {
		return
	}

	client := r.URL.Query().Get("client")
	if client == "" {
		client = principal.Address
	}

	// admins without a filter see everything
	if client == "" && (principal.Kind == auth.KindAdmin || principal.Kind == auth.KindAPIKey) {
		deals, err := server.services.DB.ListDeals(r.Context())
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		server.respond(w, http.StatusOK, body{"deals": deals, "count": len(deals)})
		return
	}

	if client == "" || !principal.Owns(client) {
		server.respondError(w, r, relayerr.Forbidden.Wrap(Error.New("cannot list deals of another wallet")))
		return
	}

	deals, err := server.services.Deals.ListByClient(r.Context(), client)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"deals": deals, "count": len(deals)})
}
