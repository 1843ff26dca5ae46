// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package web

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/skyrings/skyring-common/tools/uuid"
	"go.uber.org/zap"

	"github.com/shogun-labs/relay/auth"
	"github.com/shogun-labs/relay/internal/relayerr"
	"github.com/shogun-labs/relay/ledger"
)

func (server *Server) driveEnabled(w http.ResponseWriter, r *http.Request) bool {
	if server.services.Drive == nil {
		server.respondError(w, r, relayerr.Disabled.Wrap(Error.New("drive disabled")))
		return false
	}
	return true
}

func (server *Server) handleDriveList(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminRead); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.driveEnabled(w, r) {
		return
	}

	entries, err := server.services.Drive.List(r.Context(), mux.Vars(r)["path"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"entries": entries, "count": len(entries)})
}

func (server *Server) handleDriveUpload(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminRead); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.driveEnabled(w, r) {
		return
	}

	info, err := server.services.Drive.Write(r.Context(), mux.Vars(r)["path"], r.Body)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusCreated, body{
		"path": mux.Vars(r)["path"],
		"size": info.SizeBytes,
	})
}

func (server *Server) handleDriveDownload(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminRead); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.driveEnabled(w, r) {
		return
	}

	server.streamFile(w, r, mux.Vars(r)["path"])
}

func (server *Server) streamFile(w http.ResponseWriter, r *http.Request, path string) {
	stream, info, err := server.services.Drive.Read(r.Context(), path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	defer func() { _ = stream.Close() }()

	w.Header().Set("Content-Type", info.ContentType)
	if info.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.SizeBytes, 10))
	}
	if _, err := io.Copy(w, stream); err != nil {
		server.log.Debug("download stream interrupted")
	}
}

func (server *Server) handleDriveDelete(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminRead); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.driveEnabled(w, r) {
		return
	}

	recursive := r.URL.Query().Get("recursive") == "true"
	if err := server.services.Drive.Delete(r.Context(), mux.Vars(r)["path"], recursive); err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"path": mux.Vars(r)["path"]})
}

func (server *Server) handleDriveMkdir(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminRead); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.driveEnabled(w, r) {
		return
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}

	if err := server.services.Drive.Mkdir(r.Context(), req.Path); err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusCreated, body{"path": req.Path})
}

func (server *Server) handleDriveMove(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminRead); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.driveEnabled(w, r) {
		return
	}

	var req struct {
		Src string `json:"src"`
		Dst string `json:"dst"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}

	if err := server.services.Drive.Move(r.Context(), req.Src, req.Dst); err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"src": req.Src, "dst": req.Dst})
}

func (server *Server) handleDriveStats(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminRead); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.driveEnabled(w, r) {
		return
	}

	stats, err := server.services.Drive.Stats(r.Context(), mux.Vars(r)["path"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"stats": stats})
}

func (server *Server) handleLinkCreate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminWrite); err != nil {
		server.respondError(w, r, err)
		return
	}
	if !server.driveEnabled(w, r) {
		return
	}

	var req struct {
		FilePath       string `json:"filePath"`
		ExpiresInHours int    `json:"expiresInHours"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	if req.FilePath == "" {
		server.respondError(w, r, relayerr.Malformed.Wrap(Error.New("missing filePath")))
		return
	}

	// the target must exist
	stream, _, err := server.services.Drive.Read(r.Context(), req.FilePath)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	_ = stream.Close()

	// one live link per file
	links, err := server.services.DB.ListLinks(r.Context())
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	now := time.Now().UTC()
	for _, existing := range links {
		if existing.FilePath == req.FilePath && !existing.Revoked && !existing.Expired(now) {
			server.respondError(w, r, relayerr.Conflict.Wrap(Error.New("file already has a live link %s", existing.LinkID)))
			return
		}
	}

	id, err := uuid.New()
	if err != nil {
		server.respondError(w, r, Error.Wrap(err))
		return
	}
	link := &ledger.PublicLink{
		LinkID:    id.String(),
		FilePath:  req.FilePath,
		CreatedAt: now,
	}
	if req.ExpiresInHours > 0 {
		expires := now.Add(time.Duration(req.ExpiresInHours) * time.Hour)
		link.ExpiresAt = &expires
	}
	if err := server.services.DB.PutLink(r.Context(), link); err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusCreated, body{"link": link})
}

func (server *Server) handleLinkList(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminRead); err != nil {
		server.respondError(w, r, err)
		return
	}

	links, err := server.services.DB.ListLinks(r.Context())
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"links": links, "count": len(links)})
}

func (server *Server) handleLinkDelete(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapAdminWrite); err != nil {
		server.respondError(w, r, err)
		return
	}

	linkID := mux.Vars(r)["id"]
	if _, err := server.services.DB.GetLink(r.Context(), linkID); err != nil {
		server.respondError(w, r, err)
		return
	}
	if err := server.services.DB.DeleteLink(r.Context(), linkID); err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"linkId": linkID})
}

func (server *Server) handlePublicDownload(w http.ResponseWriter, r *http.Request) {
	if !server.driveEnabled(w, r) {
		return
	}

	link, err := server.services.DB.GetLink(r.Context(), mux.Vars(r)["linkId"])
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if link.Revoked || link.Expired(time.Now()) {
		server.respondError(w, r, relayerr.NotFound.Wrap(Error.New("link expired")))
		return
	}

	// best-effort access accounting
	link.AccessCount++
	now := time.Now().UTC()
	link.LastAccessedAt = &now
	if err := server.services.DB.PutLink(r.Context(), link); err != nil {
		server.log.Warn("recording link access failed", zap.Error(err))
	}

	server.streamFile(w, r, link.FilePath)
}
