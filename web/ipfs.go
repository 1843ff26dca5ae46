// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package web

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/shogun-labs/relay/auth"
	"github.com/shogun-labs/relay/internal/relayerr"
	"github.com/shogun-labs/relay/ipfs"
	"github.com/shogun-labs/relay/pipeline"
)

// require checks the capability and distinguishes missing from
// insufficient credentials.
func (server *Server) require(principal auth.Principal, cap auth.Capability) error {
	if principal.Can(cap) {
		return nil
	}
	if principal.Kind == auth.KindPublic {
		return relayerr.Unauthenticated.Wrap(Error.New(
			"authentication required: use an admin token, api key, or wallet signature"))
	}
	return relayerr.Forbidden.Wrap(Error.New("%s credentials lack the %s capability", principal.Kind, cap))
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := body{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(server.startedAt) / time.Second),
	}

	if server.services.DB != nil && server.services.Governor != nil {
		if liveBytes, err := server.services.DB.LiveBytes(r.Context()); err == nil {
			payload["storage"] = server.services.Governor.Usage(liveBytes)
		}
	}
	if server.services.Node != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if version, err := server.services.Node.Version(ctx); err == nil {
			payload["ipfs"] = body{"reachable": true, "version": version}
		} else {
			payload["ipfs"] = body{"reachable": false}
		}
		cancel()
	}
	server.respond(w, http.StatusOK, payload)
}

// billingFor derives the billing mode from the principal and the deal
// upload marker. Deal uploads settle against the wallet's deal escrow,
// so the marker is only honored for wallet principals.
func billingFor(principal auth.Principal, r *http.Request) (pipeline.Billing, error) {
	if strings.EqualFold(r.Header.Get("X-Deal-Upload"), "true") || r.URL.Query().Get("deal") == "true" {
		if principal.Kind != auth.KindWallet {
			return "", relayerr.Forbidden.Wrap(Error.New("deal uploads require wallet authentication"))
		}
		return pipeline.BillingDeal, nil
	}
	if principal.Kind == auth.KindWallet {
		return pipeline.BillingSubscription, nil
	}
	return pipeline.BillingAdmin, nil
}

func (server *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapUpload); err != nil {
		server.respondError(w, r, err)
		return
	}
	if server.services.Pipeline == nil {
		server.respondError(w, r, relayerr.Disabled.Wrap(Error.New("upload pipeline disabled")))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), server.config.UploadBudget)
	defer cancel()

	billing, err := billingFor(principal, r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	part, err := filePart(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	result, err := server.services.Pipeline.Process(ctx, pipeline.Request{
		OwnerKey:    principal.OwnerKey(),
		Billing:     billing,
		Name:        part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		SizeHint:    r.ContentLength,
		Body:        part,
	})
	if err != nil {
		server.respondUploadError(w, r, err)
		return
	}

	server.respond(w, http.StatusCreated, body{
		"file": body{
			"size":     result.SizeBytes,
			"mimetype": result.ContentType,
			"hash":     result.CID,
		},
		"cid":                 result.CID,
		"fingerprint":         result.Fingerprint,
		"dedup":               result.Dedup,
		"concurrentDuplicate": result.ConcurrentDuplicate,
		"authType":            string(principal.Kind),
	})
}

// respondUploadError attaches the tier catalog to payment-required
// rejections so clients can present the purchase options.
func (server *Server) respondUploadError(w http.ResponseWriter, r *http.Request, err error) {
	if relayerr.IsKind(err, &relayerr.PaymentRequired) && server.services.Subs != nil {
		if listing, tiersErr := server.services.Subs.ListTiers(r.Context()); tiersErr == nil {
			server.respondErrorExtra(w, r, err, body{"tiers": listing.Tiers})
			return
		}
	}
	server.respondError(w, r, err)
}

// filePart advances the multipart body to the first file field.
func filePart(r *http.Request) (*multipart.Part, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, relayerr.Malformed.Wrap(Error.New("multipart body required: %v", err))
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, relayerr.Malformed.Wrap(Error.New("multipart body carries no file field"))
		}
		if err != nil {
			return nil, relayerr.Malformed.Wrap(Error.Wrap(err))
		}
		if name := part.FormName(); name == "file" || name == "files" {
			return part, nil
		}
	}
}

// stageDirectoryParts drains every file part to disk so the pipeline can
// consume the set as a whole; multipart bodies are strictly sequential.
func (server *Server) stageDirectoryParts(r *http.Request) (_ []pipeline.DirFile, cleanup func(), err error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, nil, relayerr.Malformed.Wrap(Error.New("multipart body required: %v", err))
	}

	var staged []*os.File
	cleanup = func() {
		for _, file := range staged {
			name := file.Name()
			_ = file.Close()
			_ = os.Remove(name)
		}
	}
	defer func() {
		if err != nil {
			cleanup()
		}
	}()

	var files []pipeline.DirFile
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, relayerr.Malformed.Wrap(Error.Wrap(err))
		}
		if name := part.FormName(); name != "file" && name != "files" {
			continue
		}
		relPath := part.FileName()
		if relPath == "" {
			continue
		}

		temp, err := os.CreateTemp("", "relay-dir-part-*")
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		staged = append(staged, temp)
		if _, err := io.Copy(temp, part); err != nil {
			return nil, nil, Error.Wrap(err)
		}
		if _, err := temp.Seek(0, io.SeekStart); err != nil {
			return nil, nil, Error.Wrap(err)
		}

		files = append(files, pipeline.DirFile{
			Path:        strings.TrimPrefix(relPath, "/"),
			ContentType: part.Header.Get("Content-Type"),
			Body:        temp,
		})
	}
	if len(files) == 0 {
		return nil, nil, relayerr.Malformed.Wrap(Error.New("multipart body carries no file fields"))
	}
	return files, cleanup, nil
}

func (server *Server) handleUploadDirectory(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapUpload); err != nil {
		server.respondError(w, r, err)
		return
	}
	if server.services.Pipeline == nil {
		server.respondError(w, r, relayerr.Disabled.Wrap(Error.New("upload pipeline disabled")))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), server.config.UploadBudget)
	defer cancel()

	billing, err := billingFor(principal, r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	files, cleanup, err := server.stageDirectoryParts(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	defer cleanup()

	result, err := server.services.Pipeline.ProcessDirectory(ctx, principal.OwnerKey(), billing, files)
	if err != nil {
		server.respondUploadError(w, r, err)
		return
	}

	server.respond(w, http.StatusCreated, body{
		"directory": body{
			"hash":       result.DirCID,
			"totalBytes": result.TotalBytes,
			"fileCount":  len(result.Files),
		},
		"files":    result.Files,
		"authType": string(principal.Kind),
	})
}

func (server *Server) handleCat(w http.ResponseWriter, r *http.Request) {
	if server.services.Node == nil {
		server.respondError(w, r, relayerr.Disabled.Wrap(Error.New("gateway disabled")))
		return
	}

	vars := mux.Vars(r)
	cid, subpath := vars["cid"], vars["subpath"]

	ctx, cancel := context.WithTimeout(r.Context(), server.config.ReadBudget)
	defer cancel()

	var opts ipfs.CatOptions
	ranged := false
	if header := r.Header.Get("Range"); header != "" {
		var err error
		opts, err = parseRange(header)
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		ranged = true
	}

	stream, err := server.services.Node.Cat(ctx, cid, subpath, opts)
	if err != nil && relayerr.IsKind(err, &relayerr.Transient) {
		// a single retry for idempotent reads
		stream, err = server.services.Node.Cat(ctx, cid, subpath, opts)
	}
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	defer func() { _ = stream.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	if ranged {
		end := ""
		if opts.Length > 0 {
			end = strconv.FormatInt(opts.Offset+opts.Length-1, 10)
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%s/*", opts.Offset, end))
		w.WriteHeader(http.StatusPartialContent)
	}
	if _, err := io.Copy(w, stream); err != nil {
		server.log.Debug("cat stream interrupted")
	}
}

// parseRange handles the single-range form bytes=start-end.
func parseRange(header string) (ipfs.CatOptions, error) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return ipfs.CatOptions{}, relayerr.Malformed.Wrap(Error.New("unsupported range %q", header))
	}
	start, end, found := strings.Cut(spec, "-")
	if !found {
		return ipfs.CatOptions{}, relayerr.Malformed.Wrap(Error.New("unsupported range %q", header))
	}

	var opts ipfs.CatOptions
	offset, err := strconv.ParseInt(strings.TrimSpace(start), 10, 64)
	if err != nil || offset < 0 {
		return ipfs.CatOptions{}, relayerr.Malformed.Wrap(Error.New("unsupported range %q", header))
	}
	opts.Offset = offset
	if end = strings.TrimSpace(end); end != "" {
		last, err := strconv.ParseInt(end, 10, 64)
		if err != nil || last < offset {
			return ipfs.CatOptions{}, relayerr.Malformed.Wrap(Error.New("unsupported range %q", header))
		}
		opts.Length = last - offset + 1
	}
	return opts, nil
}

func (server *Server) handlePinAdd(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapPinManage); err != nil {
		server.respondError(w, r, err)
		return
	}
	if server.services.Node == nil || server.services.DB == nil {
		server.respondError(w, r, relayerr.Disabled.Wrap(Error.New("gateway disabled")))
		return
	}

	var req struct {
		CID string `json:"cid"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.respondError(w, r, err)
		return
	}
	if req.CID == "" {
		server.respondError(w, r, relayerr.Malformed.Wrap(Error.New("missing cid")))
		return
	}

	if err := server.services.Node.Pin(r.Context(), req.CID); err != nil {
		server.respondError(w, r, err)
		return
	}
	count, err := server.services.DB.IncrementPinRef(r.Context(), req.CID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"cid": req.CID, "pinCount": count})
}

func (server *Server) handleUploadDelete(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if err := server.require(principal, auth.CapDelete); err != nil {
		server.respondError(w, r, err)
		return
	}
	if server.services.Pipeline == nil {
		server.respondError(w, r, relayerr.Disabled.Wrap(Error.New("upload pipeline disabled")))
		return
	}

	ownerKey := principal.OwnerKey()
	if requested := r.URL.Query().Get("owner"); requested != "" {
		if !principal.Owns(requested) {
			server.respondError(w, r, relayerr.Forbidden.Wrap(Error.New("not the owner of %s", requested)))
			return
		}
		ownerKey = requested
	}

	if err := server.services.Pipeline.Delete(r.Context(), ownerKey, mux.Vars(r)["cid"]); err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"cid": mux.Vars(r)["cid"]})
}

func (server *Server) handleUploadList(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if principal.Kind == auth.KindPublic {
		server.respondError(w, r, server.require(principal, auth.CapUpload))
		return
	}
	if server.services.DB == nil {
		server.respondError(w, r, relayerr.Disabled.Wrap(Error.New("upload pipeline disabled")))
		return
	}

	ownerKey := principal.OwnerKey()
	if requested := r.URL.Query().Get("owner"); requested != "" {
		if !principal.Owns(requested) {
			server.respondError(w, r, relayerr.Forbidden.Wrap(Error.New("not the owner of %s", requested)))
			return
		}
		ownerKey = requested
	}

	uploads, err := server.services.DB.ListUploads(r.Context(), ownerKey)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respond(w, http.StatusOK, body{"uploads": uploads, "count": len(uploads)})
}
