// Package authority is the boundary to the external tax authority that
// authorizes or rejects fiscal documents.
package authority

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal"
	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "fiscal.authority")

// Submission is what the authority receives for one emission attempt.
type Submission struct {
	RequestID    string
	Type         model.DocumentType
	Series       string
	Counterparty model.Counterparty
	Items        []model.Item
	Extras       model.Extras
	Total        decimal.Decimal
	XML          []byte
}

// Outcome is either *Authorized or *Rejected.
type Outcome interface {
	outcome()
}

type Authorized struct {
	DocumentRef string
	RenderRef   string
}

type Rejected struct {
	Reason string
}

func (*Authorized) outcome() {}
func (*Rejected) outcome()   {}

// Client submits a document to the authority. An explicit decision is
// returned as an Outcome; anything else (transport failure, timeout,
// malformed answer) is returned as an error.
type Client interface {
	Submit(ctx context.Context, s Submission) (Outcome, error)
}

var (
	ErrMalformedResponse = errors.New("malformed authority response")
	ErrNoToken           = errors.New("no authority token configured")
)

// APIError is a non-success HTTP answer from the authority.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("authority API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("authority API error %d: %s", e.StatusCode, e.Message)
}

type Options struct {
	Environment    fiscal.Environment
	BaseURL        string
	Token          string
	SimulatedDelay time.Duration
	RejectReason   string
	HTTPClient     *http.Client
}

// New returns the simulated client for the sandbox environment and the live
// HTTP client otherwise.
func New(opts Options) (Client, error) {
	if opts.Environment == fiscal.Sandbox {
		logger.WithField("delay", opts.SimulatedDelay).Info("Using simulated authority")
		return &Simulated{Delay: opts.SimulatedDelay, RejectReason: opts.RejectReason}, nil
	}

	if opts.Token == "" {
		return nil, ErrNoToken
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = opts.Environment.BaseURL()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	exchange := NewKeyExchange(baseURL, opts.Token, httpClient)
	logger.WithFields(logrus.Fields{
		"environment": opts.Environment.Name(),
		"base_url":    baseURL,
	}).Info("Using live authority")
	return NewLive(baseURL, httpClient, NewTokenProvider(exchange)), nil
}
