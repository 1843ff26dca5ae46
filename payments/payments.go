// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package payments declares the settlement collaborator. The relay never
// settles payments itself; it hands a payload and a required amount to a
// verifier and trusts the returned receipt.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/shogun-labs/relay/internal/relayerr"
)

// Error is the default payments error class.
var Error = errs.Class("payments error")

// Request carries what the verifier needs to settle a payment.
type Request struct {
	RequiredAtomic string          `json:"requiredAtomic"`
	Payer          string          `json:"payer"`
	Payload        json.RawMessage `json:"payload"`
}

// Settlement is a successful verification.
type Settlement struct {
	Receipt string `json:"receipt"`
}

// Verifier is the settlement contract. Failures are typed through
// relayerr: PaymentInvalid for insufficient/expired/fraudulent payloads,
// Transient for connectivity.
type Verifier interface {
	Verify(ctx context.Context, req Request) (Settlement, error)
}

// Config selects the verifier implementation.
type Config struct {
	Mode        string        `help:"payment verifier mode: x402 or accept-all (dev only)" default:"x402"`
	SettleURL   string        `help:"url of the x402 settlement endpoint" default:""`
	CallTimeout time.Duration `help:"deadline for settlement calls" default:"30s"`
}

// NewVerifier constructs the configured verifier.
func NewVerifier(log *zap.Logger, config Config) (Verifier, error) {
	switch config.Mode {
	case "x402":
		if config.SettleURL == "" {
			return nil, Error.New("x402 verifier requires settle-url")
		}
		return &X402Verifier{log: log, config: config, http: &http.Client{}}, nil
	case "accept-all":
		log.Warn("payment verification disabled, accepting all payloads")
		return AcceptAll{}, nil
	default:
		return nil, Error.New("unknown verifier mode %q", config.Mode)
	}
}

// X402Verifier settles payments against an external x402 endpoint.
type X402Verifier struct {
	log    *zap.Logger
	config Config
	http   *http.Client
}

type x402Response struct {
	Settled bool   `json:"settled"`
	Receipt string `json:"receipt"`
	Reason  string `json:"reason"`
}

// Verify posts the payload to the settlement endpoint.
func (verifier *X402Verifier) Verify(ctx context.Context, req Request) (Settlement, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Settlement{}, Error.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, verifier.config.CallTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, verifier.config.SettleURL, bytes.NewReader(body))
	if err != nil {
		return Settlement{}, Error.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := verifier.http.Do(httpReq)
	if err != nil {
		return Settlement{}, relayerr.Transient.Wrap(Error.Wrap(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Settlement{}, relayerr.PaymentInvalid.Wrap(Error.New("settlement rejected: status %d: %s", resp.StatusCode, raw))
	}

	var decoded x402Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Settlement{}, relayerr.Transient.Wrap(Error.Wrap(err))
	}
	if !decoded.Settled {
		verifier.log.Info("payment not settled", zap.String("reason", decoded.Reason))
		return Settlement{}, relayerr.PaymentInvalid.Wrap(Error.New("not settled: %s", decoded.Reason))
	}
	return Settlement{Receipt: decoded.Receipt}, nil
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, req Request) (Settlement, error)

// Verify calls fn.
func (fn VerifierFunc) Verify(ctx context.Context, req Request) (Settlement, error) {
	return fn(ctx, req)
}

// AcceptAll settles everything; development use only.
type AcceptAll struct{}

// Verify accepts the payload unconditionally.
func (AcceptAll) Verify(ctx context.Context, req Request) (Settlement, error) {
	return Settlement{Receipt: "accept-all"}, nil
}
