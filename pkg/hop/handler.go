// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package hop

//go:generate mockgen -destination=mocks/mock_hop.go -package=mocks -source=handler.go Verifier,Exchanger,Caller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	apierrors "github.com/stacklok/tokenchain/pkg/api/errors"
	"github.com/stacklok/tokenchain/pkg/auth/scope"
	"github.com/stacklok/tokenchain/pkg/auth/token"
	"github.com/stacklok/tokenchain/pkg/auth/tokenexchange"
	"github.com/stacklok/tokenchain/pkg/delegation"
	chainerr "github.com/stacklok/tokenchain/pkg/errors"
	"github.com/stacklok/tokenchain/pkg/logger"
)

// maxRequestBodySize bounds inbound request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// Verifier authenticates inbound requests.
type Verifier interface {
	Authenticate(r *http.Request, required scope.Set) (string, *token.VerifiedClaims, error)
}

// Exchanger trades a verified token for one addressed to the next hop.
type Exchanger interface {
	Exchange(ctx context.Context, req tokenexchange.Request) (*tokenexchange.Result, error)
}

// Caller invokes the next hop.
type Caller interface {
	Call(ctx context.Context, req CallRequest) (*Envelope, error)
}

// Request is what a Service sees of an authorized call.
type Request struct {
	Claims *token.VerifiedClaims
	// Body is the raw inbound body, possibly empty.
	Body []byte
	// Downstream is the next hop's result. Nil on terminal hops.
	Downstream json.RawMessage
}

// Service is the local computation behind a hop.
type Service interface {
	// Respond returns the hop's domain payload and a short message.
	Respond(ctx context.Context, req *Request) (result any, message string, err error)
}

// Forwarder is implemented by services that shape the body sent to the next
// hop. Without it the inbound body is forwarded as is.
type Forwarder interface {
	Forward(req *Request) (any, error)
}

// Config wires a Handler.
type Config struct {
	Hop      *delegation.Hop
	Verifier Verifier
	Service  Service
	// Exchanger, Caller and NextURL are required unless Hop is terminal.
	Exchanger Exchanger
	Caller    Caller
	NextURL   string
	Logger    *slog.Logger
}

// Handler serves one hop.
type Handler struct {
	hop       *delegation.Hop
	verifier  Verifier
	service   Service
	exchanger Exchanger
	caller    Caller
	nextURL   string
	logger    *slog.Logger
	metrics   *instruments
}

// NewHandler validates cfg and returns a handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Hop == nil {
		return nil, errors.New("hop is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("hop %s: verifier is required", cfg.Hop.Name)
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("hop %s: service is required", cfg.Hop.Name)
	}
	if !cfg.Hop.Terminal() {
		switch {
		case cfg.Exchanger == nil:
			return nil, fmt.Errorf("hop %s: exchanger is required to call %s", cfg.Hop.Name, cfg.Hop.Next.To)
		case cfg.Caller == nil:
			return nil, fmt.Errorf("hop %s: caller is required to call %s", cfg.Hop.Name, cfg.Hop.Next.To)
		case cfg.NextURL == "":
			return nil, fmt.Errorf("hop %s: URL of %s is required", cfg.Hop.Name, cfg.Hop.Next.To)
		}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.For("hop")
	}
	m, err := newInstruments()
	if err != nil {
		return nil, err
	}
	return &Handler{
		hop:       cfg.Hop,
		verifier:  cfg.Verifier,
		service:   cfg.Service,
		exchanger: cfg.Exchanger,
		caller:    cfg.Caller,
		nextURL:   cfg.NextURL,
		logger:    log.With("hop", cfg.Hop.Name),
		metrics:   m,
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apierrors.ErrorHandler(h.Serve)(w, r)
}

// Serve handles one request, returning classified errors for the caller to
// render.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) error {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := startSpan(ctx, h.hop.Name)
	defer span.End()
	start := time.Now()

	env, err := h.handle(r.WithContext(ctx))
	h.metrics.record(ctx, h.hop.Name, err, time.Since(start))
	endSpan(span, err)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(delegation.ChainIDHeader, env.Delegation.ChainID)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
	return nil
}

func (h *Handler) handle(r *http.Request) (*Envelope, error) {
	ctx := r.Context()

	raw, claims, err := h.verifier.Authenticate(r, h.hop.RequiredScope)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxRequestBodySize))
	if err != nil {
		return nil, chainerr.NewInvalidArgumentError("request body could not be read", err)
	}

	audit := &delegation.Audit{
		ChainID:         chainID(r),
		Hop:             h.hop.Name,
		Subject:         claims.Subject(),
		AuthorizedParty: claims.AuthorizedParty(),
		Actor:           claims.Actor(),
		Audience:        h.hop.ClientID,
		Scope:           claims.Scope(),
		Links:           []delegation.LinkRecord{},
	}
	h.logger.Info("request authorized",
		"chain_id", audit.ChainID, "scope", audit.Scope.String(), "delegated", claims.Delegated())
	h.logger.Debug("request subject", "chain_id", audit.ChainID, "subject", audit.Subject)

	req := &Request{Claims: claims, Body: body}
	var downstream *Envelope
	if !h.hop.Terminal() {
		downstream, err = h.callNext(ctx, raw, req, audit)
		if err != nil {
			return nil, err
		}
		req.Downstream = downstream.Result
	}

	result, message, err := h.service.Respond(ctx, req)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, chainerr.NewInternalError("failed to encode result", err)
	}

	if downstream != nil {
		audit.Append(downstream.Delegation)
	}
	return &Envelope{
		Hop:        h.hop.Name,
		Message:    message,
		Result:     encoded,
		Downstream: downstream,
		Delegation: audit,
	}, nil
}

// callNext exchanges the inbound token and calls the next hop with the
// exchanged token. raw itself is only ever sent to the identity provider.
func (h *Handler) callNext(ctx context.Context, raw string, req *Request, audit *delegation.Audit) (*Envelope, error) {
	link := h.hop.Next

	payload, err := h.forwardBody(req)
	if err != nil {
		return nil, err
	}

	exchanged, err := h.exchanger.Exchange(ctx, tokenexchange.Request{
		SubjectToken: raw,
		Audience:     link.Audience,
		Scope:        link.Scope,
		Ceiling:      link.Ceiling(req.Claims.Scope()),
	})
	if err != nil {
		return nil, err
	}
	if exchanged.AccessToken == raw {
		return nil, chainerr.NewExchangeDeniedError("identity provider returned the subject token unchanged", nil)
	}

	audit.Links = append(audit.Links, delegation.LinkRecord{
		From:              h.hop.Name,
		To:                link.To,
		RequestedAudience: link.Audience,
		RequestedScope:    link.Scope,
		GrantedScope:      exchanged.Scope,
		TokenType:         exchanged.TokenType,
		ExpiresIn:         exchanged.ExpiresIn,
	})
	h.logger.Info("calling next hop",
		"chain_id", audit.ChainID, "next", link.To, "audience", link.Audience,
		"granted_scope", exchanged.Scope.String())

	return h.caller.Call(ctx, CallRequest{
		Hop:     link.To,
		URL:     h.nextURL,
		Token:   exchanged.AccessToken,
		ChainID: audit.ChainID,
		Body:    payload,
	})
}

func (h *Handler) forwardBody(req *Request) (any, error) {
	if f, ok := h.service.(Forwarder); ok {
		return f.Forward(req)
	}
	if len(req.Body) == 0 {
		return nil, nil
	}
	if !json.Valid(req.Body) {
		return nil, chainerr.NewInvalidArgumentError("request body must be JSON", nil)
	}
	return json.RawMessage(req.Body), nil
}

// chainID keeps a well-formed inbound chain id and mints one otherwise.
func chainID(r *http.Request) string {
	if id, err := uuid.Parse(r.Header.Get(delegation.ChainIDHeader)); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
