package fiscal

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "fiscal")

type requestIDKey struct{}
type seriesKey struct{}

// Context stores the request id used to correlate log lines of one emission.
func Context(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func ContextWithSeries(ctx context.Context, series string) context.Context {
	return context.WithValue(ctx, seriesKey{}, series)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey{}).(string)
	return v, ok
}

func SeriesFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(seriesKey{}).(string)
	return v, ok && v != ""
}

// Logger returns the package logger enriched with the request id from ctx, if any.
func Logger(ctx context.Context, component string) *logrus.Entry {
	l := logger.WithField("component", component)
	if id, ok := RequestIDFromContext(ctx); ok {
		l = l.WithField("request_id", id)
	}
	return l
}

var (
	ErrNotFound     = errors.New("fiscal document not found")
	ErrUnauthorized = errors.New("fiscal unauthorized")
	ErrForbidden    = errors.New("fiscal forbidden")
)

// Kind classifies emission failures.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindAuthorityRejection   Kind = "authority_rejection"
	KindAuthorityUnavailable Kind = "authority_unavailable"
	KindPersistenceFailure   Kind = "persistence_failure"
)

// Error carries the failure kind together with a message safe to show the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether resubmitting the same request is safe.
// Only an unreachable authority qualifies: nothing was committed on either side.
func (e *Error) Retryable() bool {
	return e.Kind == KindAuthorityUnavailable
}

func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

type Environment int

const (
	Sandbox Environment = iota
	Homologation
	Production
)

func (e Environment) BaseURL() string {
	switch e {
	case Production:
		return "https://api.nfe.fazenda.gov.br/v1"
	case Homologation:
		return "https://hom.api.nfe.fazenda.gov.br/v1"
	case Sandbox:
		return "https://sandbox.api.nfe.fazenda.gov.br/v1"
	}
	panic("Invalid environment")
}

func (e Environment) Name() string {
	switch e {
	case Production:
		return "production"
	case Homologation:
		return "homologation"
	case Sandbox:
		return "sandbox"
	}
	panic("Invalid environment")
}

func (e Environment) String() string { return e.Name() }

func (e *Environment) UnmarshalText(text []byte) error {
	val := strings.ToLower(strings.TrimSpace(string(text)))

	switch val {
	case "production", "prod":
		*e = Production
	case "homologation", "hom":
		*e = Homologation
	case "sandbox", "":
		*e = Sandbox
	default:
		return fmt.Errorf("invalid FISCAL_ENV: %q (allowed: production, homologation, sandbox)", val)
	}
	return nil
}

func (e Environment) MarshalText() ([]byte, error) {
	return []byte(e.Name()), nil
}
