// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package web

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shogun-labs/relay/auth"
	"github.com/shogun-labs/relay/internal/relayerr"
)

func (server *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminRead); err != nil {
		server.respondError(w, r, err)
		return
	}

	keys, err := server.services.Keys.List(r.Context())
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"keys": keys, "count": len(keys)})
}

func (server *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminWrite); err != nil {
		server.respondError(w, r, err)
		return
	}

	var req struct {
		Name           string `json:"name"`
		ExpiresInHours int    `json:"expiresInHours"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	if req.Name == "" {
		server.respondError(w, r, relayerr.Malformed.Wrap(Error.New("missing name")))
		return
	}

	var expiresAt *time.Time
	if req.ExpiresInHours > 0 {
		expires := time.Now().UTC().Add(time.Duration(req.ExpiresInHours) * time.Hour)
		expiresAt = &expires
	}

	token, record, err := server.services.Keys.Issue(r.Context(), req.Name, expiresAt)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	// the token is shown exactly once
	server.respond(w, http.StatusCreated, body{
		"token": token,
		"key":   record,
	})
}

func (server *Server) handleKeyDelete(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminWrite); err != nil {
		server.respondError(w, r, err)
		return
	}

	keyID := mux.Vars(r)["keyId"]
	if err := server.services.Keys.Revoke(r.Context(), keyID); err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"keyId": keyID})
}

// handleLogin exchanges admin credentials for a session cookie.
func (server *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if principal.Kind != auth.KindAdmin {
		server.respondError(w, r, relayerr.Unauthenticated.Wrap(Error.New("admin credentials required")))
		return
	}

	session, err := server.services.Auth.Sessions().Create(requestIP(r))
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	server.respond(w, http.StatusOK, body{"sessionCreated": true})
}

func (server *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		server.services.Auth.Sessions().Delete(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:   auth.SessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	server.respond(w, http.StatusOK, body{"loggedOut": true})
}
