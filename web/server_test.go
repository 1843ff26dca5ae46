// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package web_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shogun-labs/relay/auth"
	"github.com/shogun-labs/relay/deal"
	"github.com/shogun-labs/relay/drive"
	"github.com/shogun-labs/relay/governor"
	"github.com/shogun-labs/relay/identity"
	"github.com/shogun-labs/relay/internal/memory"
	"github.com/shogun-labs/relay/internal/testcontext"
	"github.com/shogun-labs/relay/ipfs"
	"github.com/shogun-labs/relay/kvstore/teststore"
	"github.com/shogun-labs/relay/ledger"
	"github.com/shogun-labs/relay/payments"
	"github.com/shogun-labs/relay/pipeline"
	"github.com/shogun-labs/relay/sub"
	"github.com/shogun-labs/relay/web"
)

const adminToken = "test-admin-token"

// fakeNode backs both the pipeline and the deal manager in tests.
type fakeNode struct {
	mu     sync.Mutex
	pinned map[string]bool
}

func newFakeNode() *fakeNode { return &fakeNode{pinned: map[string]bool{}} }

func contentCID(data []byte) string {
	sum := sha256.Sum256(data)
	return "Qm" + hex.EncodeToString(sum[:])[:40]
}

func (node *fakeNode) Add(ctx context.Context, name string, data io.Reader, opts ipfs.AddOptions) (ipfs.AddResult, error) {
	raw, err := io.ReadAll(data)
	if err != nil {
		return ipfs.AddResult{}, err
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	cid := contentCID(raw)
	if opts.Pin {
		node.pinned[cid] = true
	}
	return ipfs.AddResult{CID: cid, SizeBytes: int64(len(raw))}, nil
}

func (node *fakeNode) AddDir(ctx context.Context, files []ipfs.AddFile, pin bool) (ipfs.AddResult, error) {
	var result ipfs.AddResult
	all := sha256.New()
	for _, file := range files {
		raw, err := io.ReadAll(file.Data)
		if err != nil {
			return ipfs.AddResult{}, err
		}
		all.Write(raw)
		result.Entries = append(result.Entries, ipfs.AddEntry{
			Name: file.Name, Path: file.Name,
			CID: contentCID(raw), SizeBytes: int64(len(raw)),
		})
		result.SizeBytes += int64(len(raw))
	}
	result.CID = "Qm" + hex.EncodeToString(all.Sum(nil))[:40]
	node.mu.Lock()
	defer node.mu.Unlock()
	if pin {
		node.pinned[result.CID] = true
	}
	return result, nil
}

func (node *fakeNode) Pin(ctx context.Context, cid string) error {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.pinned[cid] = true
	return nil
}

func (node *fakeNode) Unpin(ctx context.Context, cid string) error {
	node.mu.Lock()
	defer node.mu.Unlock()
	delete(node.pinned, cid)
	return nil
}

func (node *fakeNode) IsPinned(ctx context.Context, cid string) (bool, error) {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.pinned[cid], nil
}

type webEnv struct {
	router    http.Handler
	db        *ledger.Ledger
	node      *fakeNode
	walletKey *ecdsa.PrivateKey
	walletHex string
}

func newWebEnv(t *testing.T, ctx *testcontext.Context, tweak func(*web.Config)) *webEnv {
	log := zaptest.NewLogger(t)
	db := ledger.New(log, teststore.New(), "relay-test")
	node := newFakeNode()
	gov := governor.New(governor.Config{})
	catalog := sub.NewCatalog(nil, nil)
	verifier := payments.AcceptAll{}

	ident, err := identity.LoadOrCreate(ctx.File("relay_key.json"))
	require.NoError(t, err)

	backend, err := drive.OpenBackend(drive.Config{Backend: "local", Root: ctx.Dir("drive"), StatsFanOut: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	keys := auth.NewAPIKeys(log, db)
	sessions := auth.NewSessions(24 * time.Hour)
	authMux := auth.NewMultiplexer(log, auth.Config{
		AdminToken:    adminToken,
		SessionTTL:    24 * time.Hour,
		FailureLimit:  100,
		FailureWindow: time.Minute,
	}, keys, sessions)

	config := web.Config{
		Address:          "127.0.0.1:0",
		MaxRequestSize:   10 * memory.MiB,
		UploadBudget:     time.Minute,
		ReadBudget:       10 * time.Second,
		RateLimit:        10000,
		RateWindow:       time.Minute,
		UploadRateLimit:  10000,
		UploadRateWindow: time.Minute,
		CORSOrigin:       "*",
		ShutdownGrace:    time.Second,
	}
	if tweak != nil {
		tweak(&config)
	}

	server, err := web.NewServer(log, config, web.Services{
		Auth:     authMux,
		Keys:     keys,
		Pipeline: pipeline.NewService(log, pipeline.Config{SpoolDir: ctx.Dir("spool")}, db, node, gov),
		Subs:     sub.NewService(log, db, catalog, verifier, gov),
		Deals:    deal.NewService(log, deal.Config{}, db, catalog, verifier, node, ident),
		Drive:    backend,
		DB:       db,
		Governor: gov,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	walletKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	return &webEnv{
		router:    server.Router(),
		db:        db,
		node:      node,
		walletKey: walletKey,
		walletHex: crypto.PubkeyToAddress(walletKey.PublicKey).Hex(),
	}
}

func (env *webEnv) walletHeaders(t *testing.T, req *http.Request) {
	sig, err := crypto.Sign(auth.SignedMessageHash(auth.ChallengeMessage), env.walletKey)
	require.NoError(t, err)
	sig[64] += 27
	req.Header.Set("X-User-Address", env.walletHex)
	req.Header.Set("X-Wallet-Signature", "0x"+hex.EncodeToString(sig))
}

func (env *webEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func multipartBody(t *testing.T, filename string, contentType string, content []byte) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename)}
	if contentType != "" {
		header["Content-Type"] = []string{contentType}
	}
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func TestHealth(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decode(t, rec)
	require.Equal(t, true, payload["success"])
	require.Equal(t, "ok", payload["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestUploadRequiresAuth(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	buf, contentType := multipartBody(t, "hello.txt", "text/plain", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ipfs/upload", buf)
	req.Header.Set("Content-Type", contentType)

	rec := env.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	payload := decode(t, rec)
	require.Equal(t, false, payload["success"])
	require.Equal(t, "unauthenticated", payload["reason"])
}

func TestAdminUpload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	buf, contentType := multipartBody(t, "hello.txt", "text/plain", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ipfs/upload", buf)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+adminToken)

	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)

	payload := decode(t, rec)
	require.Equal(t, true, payload["success"])
	require.Equal(t, "admin", payload["authType"])

	file := payload["file"].(map[string]interface{})
	require.Equal(t, float64(5), file["size"])
	require.Equal(t, "text/plain", file["mimetype"])
	require.Equal(t, contentCID([]byte("hello")), file["hash"])
}

func TestWalletUploadGatedBySubscription(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	content := []byte("wallet content")
	upload := func() *httptest.ResponseRecorder {
		buf, contentType := multipartBody(t, "w.bin", "", content)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ipfs/upload", buf)
		req.Header.Set("Content-Type", contentType)
		env.walletHeaders(t, req)
		return env.do(req)
	}

	// no subscription: 402 with the tier catalog attached
	rec := upload()
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	payload := decode(t, rec)
	require.Equal(t, "payment-required", payload["reason"])
	require.NotEmpty(t, payload["tiers"])

	// subscribe, then the upload goes through
	subscribe := httptest.NewRequest(http.MethodPost, "/api/v1/x402/subscribe",
		bytes.NewReader([]byte(`{"tier":"basic"}`)))
	env.walletHeaders(t, subscribe)
	rec = env.do(subscribe)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = upload()
	require.Equal(t, http.StatusCreated, rec.Code)

	status := httptest.NewRequest(http.MethodGet, "/api/v1/x402/subscription/"+env.walletHex, nil)
	rec = env.do(status)
	require.Equal(t, http.StatusOK, rec.Code)
	payload = decode(t, rec)
	require.Equal(t, true, payload["active"])
	record := payload["subscription"].(map[string]interface{})
	require.Equal(t, float64(len(content)), record["storageUsedBytes"])
}

func TestTiers(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/x402/tiers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decode(t, rec)
	require.Len(t, payload["tiers"], 3)
	require.NotEmpty(t, payload["dealTiers"])
}

func TestDealLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	cid := contentCID([]byte("deal content"))
	createBody := fmt.Sprintf(`{"cid":%q, "sizeBytes":%d, "durationDays":30, "tier":"standard"}`,
		cid, memory.MiB.Int64())
	create := httptest.NewRequest(http.MethodPost, "/api/v1/deals/create", bytes.NewReader([]byte(createBody)))
	env.walletHeaders(t, create)

	rec := env.do(create)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	dealID := payload["dealId"].(string)
	required := payload["paymentRequired"].(map[string]interface{})
	require.NotEmpty(t, required["amountAtomic"])

	activate := httptest.NewRequest(http.MethodPost, "/api/v1/deals/"+dealID+"/activate",
		bytes.NewReader([]byte(`{"payment":{}}`)))
	env.walletHeaders(t, activate)
	rec = env.do(activate)
	require.Equal(t, http.StatusOK, rec.Code)
	payload = decode(t, rec)
	require.Equal(t, "active", payload["deal"].(map[string]interface{})["status"].(string))

	verify := httptest.NewRequest(http.MethodGet, "/api/v1/deals/"+dealID+"/verify?challenge=abc", nil)
	rec = env.do(verify)
	require.Equal(t, http.StatusOK, rec.Code)
	payload = decode(t, rec)
	require.Equal(t, true, payload["verified"])
	require.NotEmpty(t, payload["proofHash"])

	// another wallet cannot activate or renew the deal
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	other := &webEnv{router: env.router, walletKey: otherKey, walletHex: crypto.PubkeyToAddress(otherKey.PublicKey).Hex()}
	renew := httptest.NewRequest(http.MethodPost, "/api/v1/deals/"+dealID+"/renew",
		bytes.NewReader([]byte(`{"durationDays":30}`)))
	other.walletHeaders(t, renew)
	rec = env.do(renew)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDriveCRUD(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	authed := func(req *http.Request) *http.Request {
		req.Header.Set("Authorization", "Bearer "+adminToken)
		return req
	}

	rec := env.do(authed(httptest.NewRequest(http.MethodPost, "/api/v1/drive/upload/docs/a.txt",
		bytes.NewReader([]byte("drive content")))))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(authed(httptest.NewRequest(http.MethodGet, "/api/v1/drive/download/docs/a.txt", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "drive content", rec.Body.String())

	rec = env.do(authed(httptest.NewRequest(http.MethodGet, "/api/v1/drive/list/docs", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	require.Equal(t, float64(1), payload["count"])

	rec = env.do(authed(httptest.NewRequest(http.MethodPost, "/api/v1/drive/move",
		bytes.NewReader([]byte(`{"src":"docs/a.txt","dst":"docs/b.txt"}`)))))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(authed(httptest.NewRequest(http.MethodGet, "/api/v1/drive/stats", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(authed(httptest.NewRequest(http.MethodDelete, "/api/v1/drive/delete/docs/b.txt", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(authed(httptest.NewRequest(http.MethodGet, "/api/v1/drive/download/docs/b.txt", nil)))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// wallets have no drive access
	req := httptest.NewRequest(http.MethodGet, "/api/v1/drive/list", nil)
	env.walletHeaders(t, req)
	rec = env.do(req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDrivePathTraversal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/drive/download/..%2F..%2Fetc%2Fpasswd", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)

	rec := env.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "path-escape", decode(t, rec)["reason"])
}

func TestPublicLinks(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	authed := func(req *http.Request) *http.Request {
		req.Header.Set("Authorization", "Bearer "+adminToken)
		return req
	}

	rec := env.do(authed(httptest.NewRequest(http.MethodPost, "/api/v1/drive/upload/shared.txt",
		bytes.NewReader([]byte("shared bytes")))))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(authed(httptest.NewRequest(http.MethodPost, "/api/v1/drive/links",
		bytes.NewReader([]byte(`{"filePath":"shared.txt"}`)))))
	require.Equal(t, http.StatusCreated, rec.Code)
	link := decode(t, rec)["link"].(map[string]interface{})
	linkID := link["linkId"].(string)

	// a second live link for the same file conflicts
	rec = env.do(authed(httptest.NewRequest(http.MethodPost, "/api/v1/drive/links",
		bytes.NewReader([]byte(`{"filePath":"shared.txt"}`)))))
	require.Equal(t, http.StatusConflict, rec.Code)

	// public download needs no credentials
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/drive/public/"+linkID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "shared bytes", rec.Body.String())

	rec = env.do(authed(httptest.NewRequest(http.MethodDelete, "/api/v1/drive/links/"+linkID, nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/drive/public/"+linkID, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyFlow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	create := httptest.NewRequest(http.MethodPost, "/api/v1/api-keys",
		bytes.NewReader([]byte(`{"name":"ci"}`)))
	create.Header.Set("Authorization", "Bearer "+adminToken)
	rec := env.do(create)
	require.Equal(t, http.StatusCreated, rec.Code)

	payload := decode(t, rec)
	token := payload["token"].(string)
	keyID := payload["key"].(map[string]interface{})["keyId"].(string)

	// the key grants drive reads
	list := httptest.NewRequest(http.MethodGet, "/api/v1/drive/list", nil)
	list.Header.Set("Authorization", "Bearer "+token)
	rec = env.do(list)
	require.Equal(t, http.StatusOK, rec.Code)

	// but not key management
	elevate := httptest.NewRequest(http.MethodPost, "/api/v1/api-keys",
		bytes.NewReader([]byte(`{"name":"sneaky"}`)))
	elevate.Header.Set("Authorization", "Bearer "+token)
	rec = env.do(elevate)
	require.Equal(t, http.StatusForbidden, rec.Code)

	revoke := httptest.NewRequest(http.MethodDelete, "/api/v1/api-keys/"+keyID, nil)
	revoke.Header.Set("Authorization", "Bearer "+adminToken)
	rec = env.do(revoke)
	require.Equal(t, http.StatusOK, rec.Code)

	list = httptest.NewRequest(http.MethodGet, "/api/v1/drive/list", nil)
	list.Header.Set("Authorization", "Bearer "+token)
	rec = env.do(list)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionLoginLogout(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	login := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	login.Header.Set("Authorization", "Bearer "+adminToken)
	rec := env.do(login)
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	session := cookies[0]
	require.Equal(t, auth.SessionCookie, session.Name)

	// the cookie now carries admin capability
	list := httptest.NewRequest(http.MethodGet, "/api/v1/drive/list", nil)
	list.AddCookie(session)
	rec = env.do(list)
	require.Equal(t, http.StatusOK, rec.Code)

	logout := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	logout.AddCookie(session)
	rec = env.do(logout)
	require.Equal(t, http.StatusOK, rec.Code)

	list = httptest.NewRequest(http.MethodGet, "/api/v1/drive/list", nil)
	list.AddCookie(session)
	rec = env.do(list)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadDeleteRoute(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	content := []byte("short lived")
	buf, contentType := multipartBody(t, "x.bin", "", content)
	upload := httptest.NewRequest(http.MethodPost, "/api/v1/ipfs/upload", buf)
	upload.Header.Set("Content-Type", contentType)
	upload.Header.Set("Authorization", "Bearer "+adminToken)
	rec := env.do(upload)
	require.Equal(t, http.StatusCreated, rec.Code)
	cid := decode(t, rec)["cid"].(string)

	del := httptest.NewRequest(http.MethodDelete, "/api/v1/ipfs/upload/"+cid, nil)
	del.Header.Set("Authorization", "Bearer "+adminToken)
	rec = env.do(del)
	require.Equal(t, http.StatusOK, rec.Code)

	require.False(t, env.node.pinned[cid])
}

func TestRateLimit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, func(config *web.Config) {
		config.RateLimit = 2
		config.RateWindow = time.Minute
	})

	for i := 0; i < 2; i++ {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate-limited", decode(t, rec)["reason"])
}

func TestCatDisabledWithoutNode(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/ipfs/cat/QmWhatever", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "disabled", decode(t, rec)["reason"])
}

func TestDealUploadRequiresWallet(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	// the deal marker settles against a wallet's escrow; admin and api
	// key principals have none
	buf, contentType := multipartBody(t, "deal.bin", "", []byte("deal bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ipfs/upload", buf)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("X-Deal-Upload", "true")

	rec := env.do(req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "forbidden", decode(t, rec)["reason"])

	buf, contentType = multipartBody(t, "deal.bin", "", []byte("deal bytes"))
	req = httptest.NewRequest(http.MethodPost, "/api/v1/ipfs/upload?deal=true", buf)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = env.do(req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUploadRoutesDisabledWithoutPipeline(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	authMux := auth.NewMultiplexer(log, auth.Config{
		AdminToken:    adminToken,
		SessionTTL:    24 * time.Hour,
		FailureLimit:  100,
		FailureWindow: time.Minute,
	}, nil, auth.NewSessions(24*time.Hour))

	server, err := web.NewServer(log, web.Config{Address: "127.0.0.1:0"}, web.Services{Auth: authMux})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	authed := func(req *http.Request) *http.Request {
		req.Header.Set("Authorization", "Bearer "+adminToken)
		return req
	}
	do := func(req *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		return rec
	}

	rec := do(authed(httptest.NewRequest(http.MethodDelete, "/api/v1/ipfs/upload/QmWhatever", nil)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "disabled", decode(t, rec)["reason"])

	rec = do(authed(httptest.NewRequest(http.MethodGet, "/api/v1/ipfs/uploads", nil)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "disabled", decode(t, rec)["reason"])
}

func TestUploadDirectoryRoute(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newWebEnv(t, ctx, nil)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, file := range []struct{ path, content string }{
		{"docs/readme.md", "# hi"},
		{"main.go", "package main"},
	} {
		part, err := writer.CreateFormFile("files", file.path)
		require.NoError(t, err)
		_, err = part.Write([]byte(file.content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ipfs/upload-directory", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+adminToken)

	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)

	payload := decode(t, rec)
	dir := payload["directory"].(map[string]interface{})
	require.NotEmpty(t, dir["hash"])
	require.Equal(t, float64(2), dir["fileCount"])
}
