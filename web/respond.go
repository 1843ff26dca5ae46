// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package web

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/shogun-labs/relay/drive"
	"github.com/shogun-labs/relay/internal/relayerr"
)

// body is the generic JSON envelope.
type body map[string]interface{}

func (server *Server) respond(w http.ResponseWriter, status int, payload body) {
	if payload == nil {
		payload = body{}
	}
	payload["success"] = true

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		server.log.Error("encoding response", zap.Error(err))
	}
}

func (server *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	server.respondErrorExtra(w, r, err, nil)
}

// respondErrorExtra maps err to a status and reason and merges extra
// fields into the error envelope.
func (server *Server) respondErrorExtra(w http.ResponseWriter, r *http.Request, err error, extra body) {
	status, reason := relayerr.HTTPStatus(err)
	if drive.IsPathEscape(err) {
		reason = "path-escape"
	}

	requestID := requestIDFrom(r.Context())
	message := err.Error()
	if relayerr.IsKind(err, &relayerr.Invariant) || status == http.StatusInternalServerError {
		// internal detail stays in the log
		server.log.Error("request failed",
			zap.String("requestId", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "internal error"
	} else {
		server.log.Debug("request rejected",
			zap.String("requestId", requestID),
			zap.String("path", r.URL.Path),
			zap.String("reason", reason),
			zap.Error(err))
	}

	payload := body{
		"success":   false,
		"error":     message,
		"reason":    reason,
		"requestId": requestID,
	}
	for key, value := range extra {
		payload[key] = value
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		server.log.Error("encoding error response", zap.Error(err))
	}
}

// decodeJSON reads the request body into out, mapping failures to
// Malformed.
func decodeJSON(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return relayerr.Malformed.Wrap(Error.New("invalid json body: %v", err))
	}
	return nil
}
