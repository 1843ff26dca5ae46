// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package web

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/skyrings/skyring-common/tools/uuid"

	"github.com/shogun-labs/relay/auth"
	"github.com/shogun-labs/relay/internal/relayerr"
)

type contextKey int

const (
	principalKey contextKey = iota
	requestIDKey
)

// principalFrom returns the principal resolved by the auth middleware.
func principalFrom(ctx context.Context) auth.Principal {
	if principal, ok := ctx.Value(principalKey).(auth.Principal); ok {
		return principal
	}
	return auth.PublicPrincipal()
}

// requestIDFrom returns the request id assigned by the middleware.
func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (server *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			if generated, err := uuid.New(); err == nil {
				id = generated.String()
			}
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (server *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", server.config.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, token, X-User-Address, X-Wallet-Signature, X-Deal-Upload, X-Request-Id, Range")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (server *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := requestIP(r)
		if !server.limiter.Allow(ip) {
			server.respondError(w, r, relayerr.RateLimited.Wrap(Error.New("too many requests")))
			return
		}
		if r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/ipfs/upload") {
			if !server.uploadLimiter.Allow(ip) {
				server.respondError(w, r, relayerr.RateLimited.Wrap(Error.New("too many uploads")))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (server *Server) withSizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, server.config.MaxRequestSize.Int64())
		}
		next.ServeHTTP(w, r)
	})
}

func (server *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := server.services.Auth.Resolve(r.Context(), r)
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

func requestIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
