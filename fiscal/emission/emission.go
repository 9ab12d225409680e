// Package emission drives one fiscal document from a validated request
// through the authority to the registry.
//
// An emission moves draft → submitting → authorized | rejected | failed.
// Only authorized documents are stored; rejected and failed attempts are
// reported to the caller and, when AuditAttempts is set, recorded for audit.
package emission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal"
	"github.com/alapierre/go-fiscal-engine/fiscal/assembler"
	"github.com/alapierre/go-fiscal-engine/fiscal/authority"
	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/alapierre/go-fiscal-engine/fiscal/qr"
	"github.com/alapierre/go-fiscal-engine/fiscal/registry"
	"github.com/alapierre/go-fiscal-engine/fiscal/validation"
	"github.com/alapierre/go-fiscal-engine/fiscal/xmldoc"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const component = "fiscal.emission"

const (
	DefaultSeries  = "1"
	DefaultTimeout = 30 * time.Second
)

type Options struct {
	DefaultSeries string
	// ServiceTaxRate is the ISS withholding rate. Nil means the default; zero
	// is a valid configured rate.
	ServiceTaxRate *decimal.Decimal
	// Timeout bounds the authority call. Expiry fails the emission as retryable.
	Timeout       time.Duration
	AuditAttempts bool
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.DefaultSeries) == "" {
		o.DefaultSeries = DefaultSeries
	}
	if o.ServiceTaxRate == nil {
		rate := assembler.DefaultServiceTaxRate
		o.ServiceTaxRate = &rate
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

type Deps struct {
	Authority authority.Client
	Registry  registry.Registry
	Sequencer registry.Sequencer
	// Attempts is only used when Options.AuditAttempts is set.
	Attempts registry.AttemptRecorder
}

// Result is what the caller gets back from Emit, whatever the outcome.
type Result struct {
	RequestID string          `json:"request_id"`
	Status    model.Status    `json:"status"`
	Kind      fiscal.Kind     `json:"kind,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	Message   string          `json:"message,omitempty"`
	Retryable bool            `json:"retryable"`
	Document  *model.Document `json:"document,omitempty"`
}

func (r *Result) Authorized() bool { return r.Status == model.StatusAuthorized }

type Orchestrator struct {
	deps Deps
	opts Options
	now  func() time.Time
}

func New(deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{deps: deps, opts: opts.withDefaults(), now: time.Now}
}

func (o *Orchestrator) Options() Options { return o.opts }

// Emit validates req, submits it and stores the authorized document.
// Validation problems are returned in Result.Errors with a nil error. Every
// other failure is returned as a *fiscal.Error and mirrored in the Result.
func (o *Orchestrator) Emit(ctx context.Context, req model.EmissionRequest) (*Result, error) {
	requestID, ok := fiscal.RequestIDFromContext(ctx)
	if !ok || requestID == "" {
		requestID = uuid.NewString()
		ctx = fiscal.Context(ctx, requestID)
	}

	series := o.seriesFor(ctx, req)
	log := fiscal.Logger(ctx, component).WithFields(logrus.Fields{
		"series": series,
		"type":   req.Type,
	})

	res := &Result{RequestID: requestID, Status: model.StatusDraft}

	v := validation.ValidateRequest(req)
	if strings.TrimSpace(req.Series) == "" {
		// series taken from the context or the default
		v.Errors = append(v.Errors, validation.ValidateSeries(series)...)
		v.Valid = len(v.Errors) == 0
	}
	if !v.Valid {
		log.WithField("errors", len(v.Errors)).Info("Emission request rejected by validation")
		res.Kind = fiscal.KindValidation
		res.Errors = v.Errors
		return res, nil
	}

	items := prepareItems(req)
	totals := assembler.Assemble(items, req.Type, req.Extras, *o.opts.ServiceTaxRate)

	doc := &model.Document{
		Series:              series,
		Type:                req.Type,
		CounterpartyName:    strings.TrimSpace(req.Counterparty.Name),
		CounterpartyTaxID:   validation.TaxIDDigits(req.Counterparty.TaxID),
		CounterpartyAddress: strings.TrimSpace(req.Counterparty.Address),
		TotalAmount:         totals.DocumentTotal,
		WithheldAmount:      totals.WithheldAmount,
	}
	if req.Type == model.ServiceInvoice {
		doc.ServiceCode = strings.TrimSpace(req.Extras.ServiceCode)
		doc.TaxWithheld = req.Extras.TaxWithheld
	}

	draftXML, err := xmldoc.Build(doc, items)
	if err != nil {
		return o.fail(ctx, res, doc, fiscal.NewError(fiscal.KindAuthorityUnavailable, "could not build document XML", err))
	}

	res.Status = model.StatusSubmitting
	log.WithField("total", totals.DocumentTotal.StringFixed(assembler.CurrencyPlaces)).Info("Submitting document to authority")

	outcome, err := o.submit(ctx, authority.Submission{
		RequestID:    requestID,
		Type:         req.Type,
		Series:       series,
		Counterparty: model.Counterparty{Name: doc.CounterpartyName, TaxID: doc.CounterpartyTaxID, Address: doc.CounterpartyAddress},
		Items:        items,
		Extras:       req.Extras,
		Total:        totals.DocumentTotal,
		XML:          draftXML,
	})
	if err != nil {
		msg := "authority unavailable, nothing was stored; it is safe to resubmit"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("authority did not answer within %s, nothing was stored; it is safe to resubmit", o.opts.Timeout)
		}
		return o.fail(ctx, res, doc, fiscal.NewError(fiscal.KindAuthorityUnavailable, msg, err))
	}

	var auth *authority.Authorized
	switch out := outcome.(type) {
	case *authority.Authorized:
		if out == nil || strings.TrimSpace(out.DocumentRef) == "" || strings.TrimSpace(out.RenderRef) == "" {
			return o.malformed(ctx, res, doc, errors.Wrap(authority.ErrMalformedResponse, "authorization without document references"))
		}
		auth = out
	case *authority.Rejected:
		if out == nil || strings.TrimSpace(out.Reason) == "" {
			return o.malformed(ctx, res, doc, errors.Wrap(authority.ErrMalformedResponse, "rejection without reason"))
		}
		return o.fail(ctx, res, doc, fiscal.NewError(fiscal.KindAuthorityRejection, out.Reason, nil))
	default:
		return o.malformed(ctx, res, doc, errors.Wrapf(authority.ErrMalformedResponse, "outcome %T", outcome))
	}

	log = log.WithFields(logrus.Fields{"external_ref": auth.DocumentRef, "render_ref": auth.RenderRef})
	if ctx.Err() != nil {
		log.Warn("Caller went away after the authority authorized the document, storing it anyway")
	}

	return o.persist(ctx, log, res, doc, items, auth)
}

func (o *Orchestrator) submit(ctx context.Context, s authority.Submission) (authority.Outcome, error) {
	// the caller leaving must not abandon a call the authority may already have acted on
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.Timeout)
	defer cancel()

	return o.deps.Authority.Submit(callCtx, s)
}

func (o *Orchestrator) persist(ctx context.Context, log *logrus.Entry, res *Result, doc *model.Document, items []model.Item, auth *authority.Authorized) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	number, err := o.deps.Sequencer.Next(ctx, doc.Series)
	if err != nil {
		log.WithError(err).Error("Document authorized but no number could be allocated, reconcile manually")
		return o.fail(ctx, res, doc, fiscal.NewError(fiscal.KindPersistenceFailure,
			"document authorized by the authority but not stored: "+auth.DocumentRef, err))
	}

	doc.Number = number
	doc.IssuedAt = o.now().UTC()
	doc.Status = model.StatusAuthorized
	doc.ExternalDocumentRef = auth.DocumentRef
	doc.ExternalRenderRef = auth.RenderRef

	finalXML, err := xmldoc.Build(doc, items)
	if err != nil {
		log.WithError(err).Error("Document authorized but final XML could not be built, reconcile manually")
		return o.fail(ctx, res, doc, fiscal.NewError(fiscal.KindPersistenceFailure,
			"document authorized by the authority but not stored: "+auth.DocumentRef, err))
	}
	doc.VerificationCode = qr.VerificationCode(finalXML)

	id, err := o.deps.Registry.CreateDocument(ctx, doc, items)
	if err != nil {
		log.WithError(err).WithField("number", number).Error("Document authorized but not stored, reconcile manually")
		return o.fail(ctx, res, doc, fiscal.NewError(fiscal.KindPersistenceFailure,
			"document authorized by the authority but not stored: "+auth.DocumentRef, err))
	}

	log.WithFields(logrus.Fields{"document_id": id, "number": number}).Info("Document authorized")
	res.Status = model.StatusAuthorized
	res.Kind = ""
	res.Document = doc
	return res, nil
}

func (o *Orchestrator) malformed(ctx context.Context, res *Result, doc *model.Document, err error) (*Result, error) {
	return o.fail(ctx, res, doc, fiscal.NewError(fiscal.KindAuthorityUnavailable,
		"authority returned no usable decision, nothing was stored; it is safe to resubmit", err))
}

// fail moves res to its terminal failure state and records the attempt when auditing.
func (o *Orchestrator) fail(ctx context.Context, res *Result, doc *model.Document, ferr *fiscal.Error) (*Result, error) {
	res.Kind = ferr.Kind
	res.Message = ferr.Message
	res.Retryable = ferr.Retryable()
	res.Status = model.StatusFailed
	if ferr.Kind == fiscal.KindAuthorityRejection {
		res.Status = model.StatusRejected
	}

	l := fiscal.Logger(ctx, component).WithFields(logrus.Fields{
		"series": doc.Series,
		"kind":   ferr.Kind,
		"status": res.Status,
	})
	if ferr.Err != nil {
		l = l.WithError(ferr.Err)
	}
	l.Warn(ferr.Message)

	if o.opts.AuditAttempts && o.deps.Attempts != nil {
		reason := ferr.Message
		if ferr.Err != nil {
			reason = ferr.Error()
		}
		err := o.deps.Attempts.RecordAttempt(context.WithoutCancel(ctx), model.Attempt{
			RequestID:         res.RequestID,
			Type:              doc.Type,
			Series:            doc.Series,
			CounterpartyName:  doc.CounterpartyName,
			CounterpartyTaxID: doc.CounterpartyTaxID,
			TotalAmount:       doc.TotalAmount,
			Status:            res.Status,
			Reason:            reason,
		})
		if err != nil {
			l.WithError(err).Error("Could not record emission attempt")
		}
	}
	return res, ferr
}

func (o *Orchestrator) seriesFor(ctx context.Context, req model.EmissionRequest) string {
	if s := strings.TrimSpace(req.Series); s != "" {
		return s
	}
	if s, ok := fiscal.SeriesFromContext(ctx); ok {
		return s
	}
	return o.opts.DefaultSeries
}

// prepareItems copies the request items, numbering them, reducing NCM and
// CFOP to digits and filling in the document-level service code where an
// item carries none.
func prepareItems(req model.EmissionRequest) []model.Item {
	items := make([]model.Item, len(req.Items))
	for i, it := range req.Items {
		it.ID = 0
		it.DocumentID = ""
		it.Position = i + 1
		it.Code = model.ItemCode(i + 1)
		it.Description = strings.TrimSpace(it.Description)
		it.NCM = validation.CodeDigits(it.NCM)
		it.CFOP = validation.CodeDigits(it.CFOP)
		it.ServiceCode = strings.TrimSpace(it.ServiceCode)
		if req.Type == model.ServiceInvoice && strings.TrimSpace(it.ServiceCode) == "" {
			it.ServiceCode = strings.TrimSpace(req.Extras.ServiceCode)
		}
		items[i] = it
	}
	return items
}
