// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package auth resolves request credentials into a principal.
//
// Resolution order: admin bearer token, session cookie, api key, wallet
// signature headers, anonymous. Handlers branch on capabilities rather
// than on the principal kind, so new auth methods stay local to this
// package.
package auth

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/shogun-labs/relay/internal/relayerr"
	"github.com/shogun-labs/relay/internal/sync2"
)

var (
	mon = monkit.Package()

	// Error is the default auth error class.
	Error = errs.Class("auth error")
)

// APIKeyPrefix is the fixed prefix of issued api key tokens.
const APIKeyPrefix = "shogun-api-"

// SessionCookie is the name of the session cookie.
const SessionCookie = "relay_session"

// Capability is a single permission in a principal's capability set.
type Capability string

// capabilities
const (
	CapUpload     Capability = "upload"
	CapDelete     Capability = "delete"
	CapAdminRead  Capability = "admin-read"
	CapAdminWrite Capability = "admin-write"
	CapPinManage  Capability = "pin-manage"
	CapDealWrite  Capability = "deal-write"
	CapSubscribe  Capability = "subscribe"
)

// Kind discriminates principal variants.
type Kind string

// principal variants
const (
	KindAdmin  Kind = "admin"
	KindAPIKey Kind = "api-key"
	KindWallet Kind = "wallet"
	KindPublic Kind = "public"
)

// AdminOwnerKey is the ledger owner key used for unmetered admin uploads.
const AdminOwnerKey = "admin"

// Principal is the resolved identity of a request.
type Principal struct {
	Kind    Kind
	Address string // wallet address, lowercased
	KeyID   string // api key id

	caps map[Capability]bool
}

// Can reports whether the principal holds the capability.
func (principal Principal) Can(cap Capability) bool {
	return principal.caps[cap]
}

// OwnerKey returns the ledger owner key for uploads by this principal.
func (principal Principal) OwnerKey() string {
	if principal.Kind == KindWallet {
		return principal.Address
	}
	return AdminOwnerKey
}

// Owns reports whether the principal may mutate rows under ownerKey.
func (principal Principal) Owns(ownerKey string) bool {
	if principal.Kind == KindAdmin || principal.Kind == KindAPIKey {
		return true
	}
	return principal.Kind == KindWallet && strings.EqualFold(principal.Address, ownerKey)
}

func newPrincipal(kind Kind, caps ...Capability) Principal {
	set := make(map[Capability]bool, len(caps))
	for _, cap := range caps {
		set[cap] = true
	}
	return Principal{Kind: kind, caps: set}
}

func adminPrincipal() Principal {
	return newPrincipal(KindAdmin,
		CapUpload, CapDelete, CapAdminRead, CapAdminWrite,
		CapPinManage, CapDealWrite, CapSubscribe)
}

func apiKeyPrincipal(keyID string) Principal {
	principal := newPrincipal(KindAPIKey,
		CapUpload, CapDelete, CapAdminRead, CapPinManage,
		CapDealWrite, CapSubscribe)
	principal.KeyID = keyID
	return principal
}

func walletPrincipal(address string) Principal {
	principal := newPrincipal(KindWallet,
		CapUpload, CapDelete, CapSubscribe, CapDealWrite)
	principal.Address = strings.ToLower(address)
	return principal
}

// PublicPrincipal is the anonymous principal with no capabilities.
func PublicPrincipal() Principal {
	return newPrincipal(KindPublic)
}

// Config holds multiplexer parameters.
type Config struct {
	AdminToken      string        `help:"shared admin bearer token" default:""`
	StrictSessionIP bool          `help:"bind sessions to the ip that created them" default:"false"`
	SessionTTL      time.Duration `help:"session lifetime" default:"24h"`
	FailureLimit    int           `help:"auth failures per window before 429" default:"5"`
	FailureWindow   time.Duration `help:"auth failure window" default:"15m"`
}

// Multiplexer resolves request credentials into principals.
type Multiplexer struct {
	log      *zap.Logger
	config   Config
	keys     *APIKeys
	sessions *Sessions

	failures *sync2.KeyedLimiter
}

// NewMultiplexer creates a multiplexer over the api key service and
// session store.
func NewMultiplexer(log *zap.Logger, config Config, keys *APIKeys, sessions *Sessions) *Multiplexer {
	if config.FailureLimit <= 0 {
		config.FailureLimit = 5
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = 15 * time.Minute
	}
	return &Multiplexer{
		log:      log,
		config:   config,
		keys:     keys,
		sessions: sessions,
		failures: sync2.NewKeyedLimiter(config.FailureLimit, config.FailureWindow, time.Minute),
	}
}

// RunFailureSweeper sweeps the failure window entries until ctx is done.
func (mux *Multiplexer) RunFailureSweeper(ctx context.Context) error {
	return mux.failures.Run(ctx)
}

// Close stops the failure sweeper.
func (mux *Multiplexer) Close() error {
	mux.failures.Close()
	return nil
}

// Sessions exposes the session store for login handlers.
func (mux *Multiplexer) Sessions() *Sessions { return mux.sessions }

// Resolve inspects the request's credentials and returns the principal.
// Credential failures count against the client ip; past the failure limit
// every attempt returns RateLimited until the window advances.
func (mux *Multiplexer) Resolve(ctx context.Context, req *http.Request) (_ Principal, err error) {
	defer mon.Task()(&ctx)(&err)

	ip := clientIP(req)
	if mux.failures.Exhausted(ip) {
		return Principal{}, relayerr.RateLimited.Wrap(Error.New("too many auth failures"))
	}

	principal, err := mux.resolve(ctx, req, ip)
	if err != nil {
		if !mux.failures.Allow(ip) {
			return Principal{}, relayerr.RateLimited.Wrap(Error.New("too many auth failures"))
		}
		return Principal{}, err
	}
	return principal, nil
}

func (mux *Multiplexer) resolve(ctx context.Context, req *http.Request, ip string) (Principal, error) {
	bearer := bearerToken(req)

	// admin token, also accepted via the legacy token header
	if token := firstNonEmpty(bearer, req.Header.Get("token")); token != "" && !strings.HasPrefix(token, APIKeyPrefix) {
		if mux.config.AdminToken == "" {
			return Principal{}, relayerr.Unauthenticated.Wrap(Error.New("admin auth disabled"))
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(mux.config.AdminToken)) == 1 {
			return adminPrincipal(), nil
		}
		return Principal{}, relayerr.Unauthenticated.Wrap(Error.New("invalid admin token"))
	}

	// session cookie
	if cookie, err := req.Cookie(SessionCookie); err == nil {
		if mux.sessions.Validate(cookie.Value, ip, mux.config.StrictSessionIP) {
			return adminPrincipal(), nil
		}
		return Principal{}, relayerr.Unauthenticated.Wrap(Error.New("invalid or expired session"))
	}

	// api key
	if strings.HasPrefix(bearer, APIKeyPrefix) {
		record, err := mux.keys.Verify(ctx, bearer)
		if err != nil {
			return Principal{}, err
		}
		return apiKeyPrincipal(record.KeyID), nil
	}

	// wallet signature headers
	address := req.Header.Get("X-User-Address")
	signature := req.Header.Get("X-Wallet-Signature")
	if address != "" || signature != "" {
		if address == "" || signature == "" {
			return Principal{}, relayerr.Unauthenticated.Wrap(Error.New("wallet auth requires both X-User-Address and X-Wallet-Signature"))
		}
		if err := VerifyWalletSignature(address, signature); err != nil {
			return Principal{}, err
		}
		return walletPrincipal(address), nil
	}

	return PublicPrincipal(), nil
}

func bearerToken(req *http.Request) string {
	header := req.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func clientIP(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
