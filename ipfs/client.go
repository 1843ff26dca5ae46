// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package ipfs implements a client for the content-addressed store's HTTP
// node API. Every call is wrapped with a deadline; deadline expiry is
// reported as a Transient error so callers may decide about retries.
package ipfs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/shogun-labs/relay/internal/relayerr"
)

var (
	mon = monkit.Package()

	// Error is the default ipfs client error class.
	Error = errs.Class("ipfs error")
)

// Config holds the node API location and call budgets.
type Config struct {
	NodeURL        string        `help:"base url of the ipfs node api" default:"http://127.0.0.1:5001"`
	RequestTimeout time.Duration `help:"deadline for ordinary api calls" default:"30s"`
	PinTimeout     time.Duration `help:"deadline for pin additions, which may fetch remote blocks" default:"120s"`
	AddTimeout     time.Duration `help:"deadline for streaming adds" default:"5m"`
}

// Client talks to a single ipfs node.
type Client struct {
	log    *zap.Logger
	config Config
	http   *http.Client
}

// New creates a client against the configured node.
func New(log *zap.Logger, config Config) *Client {
	return &Client{
		log:    log,
		config: config,
		// per-call deadlines come from contexts, not the transport
		http: &http.Client{},
	}
}

// AddOptions controls how content is added.
type AddOptions struct {
	WrapDir bool
	Pin     bool
}

// AddFile is a named stream for directory adds.
type AddFile struct {
	// Name is the slash-separated path relative to the directory root.
	Name string
	Data io.Reader
}

// AddEntry describes one object created by an add.
type AddEntry struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	CID       string `json:"cid"`
	SizeBytes int64  `json:"size"`
}

// AddResult is the outcome of an add. For wrapped adds CID is the
// directory cid and Entries lists the children.
type AddResult struct {
	CID       string
	SizeBytes int64
	Entries   []AddEntry
}

// PinType filters pin listings.
type PinType string

// pin listing filters
const (
	PinDirect    PinType = "direct"
	PinRecursive PinType = "recursive"
	PinAll       PinType = "all"
)

// Stat describes a stored object.
type Stat struct {
	CID            string
	SizeBytes      int64
	CumulativeSize int64
	NumLinks       int
}

func (client *Client) apiURL(method string, params url.Values) string {
	return strings.TrimSuffix(client.config.NodeURL, "/") + "/api/v0/" + method + "?" + params.Encode()
}

// transientOnDeadline converts deadline expiry into a Transient error.
func transientOnDeadline(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return relayerr.Transient.Wrap(Error.New("%s timed out: %v", op, err))
	}
	return relayerr.Backend.Wrap(Error.Wrap(err))
}

func (client *Client) do(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	resp, err := client.http.Do(req)
	if err != nil {
		return nil, transientOnDeadline(err, op)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, relayerr.NotFound.New("%s: %s", op, strings.TrimSpace(string(body)))
		}
		return nil, relayerr.Backend.Wrap(Error.New("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return resp, nil
}

func (client *Client) post(ctx context.Context, op, method string, params url.Values, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.apiURL(method, params), nil)
	if err != nil {
		cancel()
		return nil, Error.Wrap(err)
	}
	resp, err := client.do(ctx, op, req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

// addResponseLine is the node api's add output, one JSON object per entry.
type addResponseLine struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Add streams a single file into the store.
func (client *Client) Add(ctx context.Context, name string, data io.Reader, opts AddOptions) (_ AddResult, err error) {
	defer mon.Task()(&ctx)(&err)
	return client.add(ctx, []AddFile{{Name: name, Data: data}}, opts)
}

// AddDir streams a directory of files into the store with wrap enabled.
func (client *Client) AddDir(ctx context.Context, files []AddFile, pin bool) (_ AddResult, err error) {
	defer mon.Task()(&ctx)(&err)
	return client.add(ctx, files, AddOptions{WrapDir: true, Pin: pin})
}

func (client *Client) add(ctx context.Context, files []AddFile, opts AddOptions) (AddResult, error) {
	if len(files) == 0 {
		return AddResult{}, Error.New("nothing to add")
	}

	params := url.Values{}
	params.Set("pin", strconv.FormatBool(opts.Pin))
	params.Set("cid-version", "0")
	if opts.WrapDir {
		params.Set("wrap-with-directory", "true")
	}

	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		var err error
		defer func() { _ = writer.CloseWithError(err) }()
		for _, file := range files {
			var part io.Writer
			part, err = form.CreateFormFile("file", file.Name)
			if err != nil {
				return
			}
			if _, err = io.Copy(part, file.Data); err != nil {
				return
			}
		}
		err = form.Close()
	}()

	ctx, cancel := context.WithTimeout(ctx, client.config.AddTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.apiURL("add", params), body)
	if err != nil {
		return AddResult{}, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := client.do(ctx, "add", req)
	if err != nil {
		return AddResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result AddResult
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry addResponseLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return AddResult{}, Error.New("malformed add response: %v", err)
		}
		size, _ := strconv.ParseInt(entry.Size, 10, 64)

		// the wrapping directory reports an empty name and arrives last
		if opts.WrapDir && entry.Name == "" {
			result.CID = entry.Hash
			result.SizeBytes = size
			continue
		}
		result.Entries = append(result.Entries, AddEntry{
			Name:      entry.Name,
			Path:      entry.Name,
			CID:       entry.Hash,
			SizeBytes: size,
		})
		if !opts.WrapDir {
			result.CID = entry.Hash
			result.SizeBytes = size
		}
	}
	if err := scanner.Err(); err != nil {
		return AddResult{}, transientOnDeadline(err, "add")
	}
	if result.CID == "" {
		return AddResult{}, Error.New("add returned no cid")
	}
	return result, nil
}

// Pin asks the store to retain cid. The store may need to fetch remote
// blocks, so the pin deadline is long by default.
func (client *Client) Pin(ctx context.Context, cid string) (err error) {
	defer mon.Task()(&ctx)(&err)

	resp, err := client.post(ctx, "pin add", "pin/add", url.Values{"arg": {cid}}, client.config.PinTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, err = io.Copy(io.Discard, resp.Body)
	return transientOnDeadline(err, "pin add")
}

// Unpin releases the store's claim on cid. Unpinning a cid that is not
// pinned is not an error.
func (client *Client) Unpin(ctx context.Context, cid string) (err error) {
	defer mon.Task()(&ctx)(&err)

	resp, err := client.post(ctx, "pin rm", "pin/rm", url.Values{"arg": {cid}}, client.config.RequestTimeout)
	if err != nil {
		if relayerr.Backend.Has(err) && strings.Contains(err.Error(), "not pinned") {
			return nil
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, err = io.Copy(io.Discard, resp.Body)
	return transientOnDeadline(err, "pin rm")
}

// CatOptions selects a byte range of the content.
type CatOptions struct {
	Offset int64
	Length int64 // 0 means to the end
}

// Cat streams the content of cid, optionally below subpath. The caller
// closes the stream; closing releases the call deadline.
func (client *Client) Cat(ctx context.Context, cid, subpath string, opts CatOptions) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	arg := "/ipfs/" + cid
	if subpath != "" {
		arg += "/" + strings.TrimPrefix(subpath, "/")
	}

	params := url.Values{"arg": {arg}}
	if opts.Offset > 0 {
		params.Set("offset", strconv.FormatInt(opts.Offset, 10))
	}
	if opts.Length > 0 {
		params.Set("length", strconv.FormatInt(opts.Length, 10))
	}

	resp, err := client.post(ctx, "cat", "cat", params, client.config.AddTimeout)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Stat returns object metadata for cid.
func (client *Client) Stat(ctx context.Context, cid string) (_ Stat, err error) {
	defer mon.Task()(&ctx)(&err)

	resp, err := client.post(ctx, "stat", "object/stat", url.Values{"arg": {cid}}, client.config.RequestTimeout)
	if err != nil {
		return Stat{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded struct {
		Hash           string `json:"Hash"`
		NumLinks       int    `json:"NumLinks"`
		DataSize       int64  `json:"DataSize"`
		CumulativeSize int64  `json:"CumulativeSize"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Stat{}, transientOnDeadline(err, "stat")
	}
	return Stat{
		CID:            decoded.Hash,
		SizeBytes:      decoded.DataSize,
		CumulativeSize: decoded.CumulativeSize,
		NumLinks:       decoded.NumLinks,
	}, nil
}

// PinLs lists the cids pinned with the given type.
func (client *Client) PinLs(ctx context.Context, typ PinType) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	if typ == "" {
		typ = PinAll
	}
	resp, err := client.post(ctx, "pin ls", "pin/ls", url.Values{"type": {string(typ)}}, client.config.RequestTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded struct {
		Keys map[string]struct {
			Type string `json:"Type"`
		} `json:"Keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, transientOnDeadline(err, "pin ls")
	}

	cids := make([]string, 0, len(decoded.Keys))
	for cid := range decoded.Keys {
		cids = append(cids, cid)
	}
	return cids, nil
}

// IsPinned reports whether cid appears in the store's pin list.
func (client *Client) IsPinned(ctx context.Context, cid string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	resp, err := client.post(ctx, "pin ls", "pin/ls", url.Values{"arg": {cid}}, client.config.RequestTimeout)
	if err != nil {
		if relayerr.NotFound.Has(err) || (relayerr.Backend.Has(err) && strings.Contains(err.Error(), "not pinned")) {
			return false, nil
		}
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, err = io.Copy(io.Discard, resp.Body)
	return true, transientOnDeadline(err, "pin ls")
}

// GC asks the store to collect unreferenced blocks.
func (client *Client) GC(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	resp, err := client.post(ctx, "repo gc", "repo/gc", url.Values{}, client.config.PinTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, err = io.Copy(io.Discard, resp.Body)
	return transientOnDeadline(err, "repo gc")
}

// Version checks node liveness and returns its version string.
func (client *Client) Version(ctx context.Context) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	resp, err := client.post(ctx, "version", "version", url.Values{}, client.config.RequestTimeout)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded struct {
		Version string `json:"Version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", transientOnDeadline(err, "version")
	}
	return decoded.Version, nil
}
