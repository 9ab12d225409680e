package emission

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal"
	"github.com/alapierre/go-fiscal-engine/fiscal/authority"
	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/alapierre/go-fiscal-engine/fiscal/registry"
	"github.com/alapierre/go-fiscal-engine/fiscal/validation"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type env struct {
	reg *registry.GormRegistry
	seq *registry.GormSequencer
}

func newEnv(t *testing.T) env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, registry.AutoMigrate(db))
	return env{reg: registry.New(db), seq: registry.NewSequencer(db)}
}

func (e env) orchestrator(client authority.Client, opts Options) *Orchestrator {
	return New(Deps{Authority: client, Registry: e.reg, Sequencer: e.seq, Attempts: e.reg}, opts)
}

func (e env) documents(t *testing.T) []model.Document {
	t.Helper()
	docs, err := e.reg.ListDocuments(context.Background(), registry.Filter{})
	require.NoError(t, err)
	return docs
}

func goodsRequest() model.EmissionRequest {
	return model.EmissionRequest{
		Type: model.GoodsInvoice,
		Counterparty: model.Counterparty{
			Name:    "Construtora Horizonte Ltda",
			TaxID:   "12.345.678/0001-95",
			Address: "Rua das Obras, 100 - São Paulo/SP",
		},
		Items: []model.Item{
			{Description: "Cimento CP-II 50kg", Quantity: decimal.NewFromInt(10), UnitPrice: decimal.RequireFromString("32.90"), NCM: "25232910", CFOP: "5102"},
			{Description: "Areia média m3", Quantity: decimal.RequireFromString("2.5"), UnitPrice: decimal.RequireFromString("120.00"), NCM: "25051000", CFOP: "5102"},
		},
	}
}

func serviceRequest() model.EmissionRequest {
	return model.EmissionRequest{
		Type:         model.ServiceInvoice,
		Series:       "S",
		Counterparty: model.Counterparty{Name: "Maria Souza", TaxID: "123.456.789-09", Address: "Av. Brasil, 1"},
		Items:        []model.Item{{Description: "Reboco", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("500.00")}},
		Extras:       model.Extras{ServiceCode: "07.02"},
	}
}

type countingClient struct {
	calls atomic.Int32
	inner authority.Client
}

func (c *countingClient) Submit(ctx context.Context, s authority.Submission) (authority.Outcome, error) {
	c.calls.Add(1)
	return c.inner.Submit(ctx, s)
}

type clientFunc func(ctx context.Context, s authority.Submission) (authority.Outcome, error)

func (f clientFunc) Submit(ctx context.Context, s authority.Submission) (authority.Outcome, error) {
	return f(ctx, s)
}

func TestEmit_Authorized(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(&authority.Simulated{}, Options{})

	res, err := o.Emit(context.Background(), goodsRequest())
	require.NoError(t, err)
	require.True(t, res.Authorized())
	assert.Empty(t, res.Kind)
	assert.NotEmpty(t, res.RequestID)

	doc := res.Document
	require.NotNil(t, doc)
	assert.Equal(t, "1", doc.Series)
	assert.Equal(t, int64(1), doc.Number)
	assert.Equal(t, "12345678000195", doc.CounterpartyTaxID)
	assert.Equal(t, "629.00", doc.TotalAmount.StringFixed(2))
	assert.Len(t, doc.VerificationCode, 8)
	assert.False(t, doc.IssuedAt.IsZero())
	assert.NotEmpty(t, doc.ExternalDocumentRef)

	stored, err := e.reg.GetDocumentWithItems(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAuthorized, stored.Status)
	require.Len(t, stored.Items, 2)
	assert.Equal(t, "ITEM-1", stored.Items[0].Code)
	assert.Equal(t, "ITEM-2", stored.Items[1].Code)
	assert.Equal(t, doc.ID, stored.Items[1].DocumentID)
}

func TestEmit_NumbersAreSequentialPerSeries(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(&authority.Simulated{}, Options{DefaultSeries: "9"})

	for want := int64(1); want <= 3; want++ {
		res, err := o.Emit(context.Background(), goodsRequest())
		require.NoError(t, err)
		assert.Equal(t, "9", res.Document.Series)
		assert.Equal(t, want, res.Document.Number)
	}

	ctx := fiscal.ContextWithSeries(context.Background(), "B")
	res, err := o.Emit(ctx, goodsRequest())
	require.NoError(t, err)
	assert.Equal(t, "B", res.Document.Series)
	assert.Equal(t, int64(1), res.Document.Number)
}

func TestEmit_ServiceInvoice(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(&authority.Simulated{}, Options{})

	res, err := o.Emit(context.Background(), serviceRequest())
	require.NoError(t, err)
	require.True(t, res.Authorized())
	assert.Equal(t, "500.00", res.Document.TotalAmount.StringFixed(2))
	assert.True(t, res.Document.WithheldAmount.IsZero())
	assert.Equal(t, "07.02", res.Document.ServiceCode)

	stored, err := e.reg.GetDocumentWithItems(context.Background(), res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, "07.02", stored.Items[0].ServiceCode, "item inherits the document service code")

	req := serviceRequest()
	req.Extras.TaxWithheld = true
	res, err = o.Emit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "25.00", res.Document.WithheldAmount.StringFixed(2))
}

func TestEmit_ValidationErrorsAreReturnedNotThrown(t *testing.T) {
	e := newEnv(t)
	client := &countingClient{inner: &authority.Simulated{}}
	o := e.orchestrator(client, Options{})

	req := goodsRequest()
	req.Counterparty.TaxID = "123"
	req.Items = nil

	res, err := o.Emit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, fiscal.KindValidation, res.Kind)
	assert.Equal(t, []string{validation.MsgTaxIDInvalid, validation.MsgItemsRequired}, res.Errors)
	assert.Nil(t, res.Document)
	assert.Zero(t, client.calls.Load(), "authority must not be called")
	assert.Empty(t, e.documents(t))
}

func TestEmit_Rejected(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(&authority.Simulated{RejectReason: "Rejeição 539: duplicidade de NF-e"}, Options{})

	res, err := o.Emit(context.Background(), goodsRequest())
	require.Error(t, err)
	assert.Equal(t, fiscal.KindAuthorityRejection, fiscal.KindOf(err))
	assert.Equal(t, model.StatusRejected, res.Status)
	assert.Equal(t, "Rejeição 539: duplicidade de NF-e", res.Message)
	assert.False(t, res.Retryable)
	assert.Empty(t, e.documents(t))
}

func TestEmit_AuthorityTimeout(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(&authority.Simulated{Delay: time.Second}, Options{Timeout: 20 * time.Millisecond})

	res, err := o.Emit(context.Background(), goodsRequest())
	require.Error(t, err)

	var ferr *fiscal.Error
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, fiscal.KindAuthorityUnavailable, ferr.Kind)
	assert.True(t, ferr.Retryable())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, model.StatusFailed, res.Status)
	assert.True(t, res.Retryable)
	assert.Contains(t, res.Message, "safe to resubmit")
	assert.Empty(t, e.documents(t))
}

func TestEmit_TransportErrorAndMalformedOutcome(t *testing.T) {
	cases := map[string]authority.Client{
		"transport": clientFunc(func(ctx context.Context, s authority.Submission) (authority.Outcome, error) {
			return nil, errors.New("connection refused")
		}),
		"no outcome": clientFunc(func(ctx context.Context, s authority.Submission) (authority.Outcome, error) {
			return nil, nil
		}),
		"authorized without refs": clientFunc(func(ctx context.Context, s authority.Submission) (authority.Outcome, error) {
			return &authority.Authorized{}, nil
		}),
		"authorized without render ref": clientFunc(func(ctx context.Context, s authority.Submission) (authority.Outcome, error) {
			return &authority.Authorized{DocumentRef: "https://example.test/doc.xml"}, nil
		}),
		"nil authorized": clientFunc(func(ctx context.Context, s authority.Submission) (authority.Outcome, error) {
			return (*authority.Authorized)(nil), nil
		}),
		"nil rejected": clientFunc(func(ctx context.Context, s authority.Submission) (authority.Outcome, error) {
			return (*authority.Rejected)(nil), nil
		}),
		"rejected without reason": clientFunc(func(ctx context.Context, s authority.Submission) (authority.Outcome, error) {
			return &authority.Rejected{Reason: "  "}, nil
		}),
	}
	for name, client := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			var (
				res *Result
				err error
			)
			require.NotPanics(t, func() {
				res, err = e.orchestrator(client, Options{}).Emit(context.Background(), goodsRequest())
			})
			assert.Equal(t, fiscal.KindAuthorityUnavailable, fiscal.KindOf(err))
			assert.Equal(t, model.StatusFailed, res.Status)
			assert.True(t, res.Retryable)
			assert.Nil(t, res.Document)
			if name != "transport" {
				assert.ErrorIs(t, err, authority.ErrMalformedResponse)
			}
			assert.Empty(t, e.documents(t))
		})
	}
}

func TestEmit_ZeroServiceTaxRateWithholdsNothing(t *testing.T) {
	e := newEnv(t)
	zero := decimal.Zero
	o := e.orchestrator(&authority.Simulated{}, Options{ServiceTaxRate: &zero})

	req := serviceRequest()
	req.Extras.TaxWithheld = true
	res, err := o.Emit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Document.TaxWithheld)
	assert.True(t, res.Document.WithheldAmount.IsZero(), "withheld %s", res.Document.WithheldAmount)

	rate := decimal.RequireFromString("0.02")
	res, err = e.orchestrator(&authority.Simulated{}, Options{ServiceTaxRate: &rate}).Emit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "10.00", res.Document.WithheldAmount.StringFixed(2))
}

func TestEmit_StoredLineTotalsAddUpToTotal(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(&authority.Simulated{}, Options{})

	req := goodsRequest()
	req.Items = []model.Item{
		{Description: "Prego 17x27", Quantity: decimal.RequireFromString("1.5"), UnitPrice: decimal.RequireFromString("0.33"), NCM: "73170020", CFOP: "5102"},
		{Description: "Arame", Quantity: decimal.RequireFromString("0.125"), UnitPrice: decimal.RequireFromString("7.77"), NCM: "72172090", CFOP: "5102"},
	}
	res, err := o.Emit(context.Background(), req)
	require.NoError(t, err)

	stored, err := e.reg.GetDocumentWithItems(context.Background(), res.Document.ID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, it := range stored.Items {
		sum = sum.Add(it.LineTotal())
	}
	assert.Equal(t, "1.47", stored.TotalAmount.StringFixed(2))
	assert.True(t, sum.Equal(stored.TotalAmount), "sum %s total %s", sum, stored.TotalAmount)
}

func TestEmit_GoodsCodesStoredAsDigits(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(&authority.Simulated{}, Options{})

	req := goodsRequest()
	req.Items[0].NCM = "2523.29.10"
	req.Items[0].CFOP = "5.102"
	res, err := o.Emit(context.Background(), req)
	require.NoError(t, err)

	stored, err := e.reg.GetDocumentWithItems(context.Background(), res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, "25232910", stored.Items[0].NCM)
	assert.Equal(t, "5102", stored.Items[0].CFOP)
}

func TestEmit_InputTheRegistryCannotHoldNeverReachesAuthority(t *testing.T) {
	e := newEnv(t)
	client := &countingClient{inner: &authority.Simulated{}}
	o := e.orchestrator(client, Options{})

	req := goodsRequest()
	req.Items[0].CFOP = "51020"
	req.Items[1].UnitPrice = decimal.RequireFromString("120.005")
	res, err := o.Emit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, fiscal.KindValidation, res.Kind)
	assert.Equal(t, []string{
		"Item 1: CFOP must have 4 digits.",
		"Item 2: unit price must have at most 2 decimal places.",
	}, res.Errors)

	ctx := fiscal.ContextWithSeries(context.Background(), "SERIE-LONGA")
	res, err = o.Emit(ctx, goodsRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{validation.MsgSeriesTooLong}, res.Errors)

	assert.Zero(t, client.calls.Load())
	assert.Empty(t, e.documents(t))
}

func TestEmit_CallerCancellationStillPersistsAuthorizedDocument(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(&authority.Simulated{Delay: 50 * time.Millisecond}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	res, err := o.Emit(ctx, goodsRequest())
	require.NoError(t, err)
	assert.True(t, res.Authorized())
	assert.Len(t, e.documents(t), 1)
}

type failingSequencer struct{}

func (failingSequencer) Next(ctx context.Context, series string) (int64, error) {
	return 0, errors.New("database is locked")
}

type failingRegistry struct{ registry.Registry }

func (failingRegistry) CreateDocument(ctx context.Context, header *model.Document, items []model.Item) (string, error) {
	return "", errors.New("disk full")
}

func TestEmit_PersistenceFailure(t *testing.T) {
	e := newEnv(t)

	cases := map[string]Deps{
		"sequencer": {Authority: &authority.Simulated{}, Registry: e.reg, Sequencer: failingSequencer{}},
		"registry":  {Authority: &authority.Simulated{}, Registry: failingRegistry{e.reg}, Sequencer: e.seq},
	}
	for name, deps := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := New(deps, Options{}).Emit(context.Background(), goodsRequest())
			require.Error(t, err)
			assert.Equal(t, fiscal.KindPersistenceFailure, fiscal.KindOf(err))
			assert.Equal(t, model.StatusFailed, res.Status)
			assert.False(t, res.Retryable, "authority already authorized, resubmitting is unsafe")
			assert.Contains(t, res.Message, "sandbox://documents/")
		})
	}
	assert.Empty(t, e.documents(t))
}

func TestEmit_AuditAttempts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	quiet := e.orchestrator(&authority.Simulated{RejectReason: "no"}, Options{})
	_, err := quiet.Emit(ctx, goodsRequest())
	require.Error(t, err)

	attempts, err := e.reg.ListAttempts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, attempts, "attempts are not recorded by default")

	audited := e.orchestrator(&authority.Simulated{RejectReason: "CFOP inválido"}, Options{AuditAttempts: true})
	res, err := audited.Emit(fiscal.Context(ctx, "req-42"), goodsRequest())
	require.Error(t, err)
	assert.Equal(t, "req-42", res.RequestID)

	attempts, err = e.reg.ListAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "req-42", attempts[0].RequestID)
	assert.Equal(t, model.StatusRejected, attempts[0].Status)
	assert.Equal(t, "CFOP inválido", attempts[0].Reason)
	assert.Equal(t, "12345678000195", attempts[0].CounterpartyTaxID)

	// validation failures never reach the audit trail
	bad := goodsRequest()
	bad.Items = nil
	_, err = audited.Emit(ctx, bad)
	require.NoError(t, err)
	attempts, err = e.reg.ListAttempts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestEmit_ConcurrentEmissionsNeverShareANumber(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(&authority.Simulated{Delay: time.Millisecond}, Options{})

	const n = 30
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Emit(context.Background(), goodsRequest())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers = append(numbers, res.Document.Number)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, numbers, n)
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, num := range numbers {
		assert.Equal(t, int64(i+1), num)
	}
	assert.Len(t, e.documents(t), n)
}

func TestEmit_DoesNotMutateRequestItems(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(&authority.Simulated{}, Options{})

	req := serviceRequest()
	_, err := o.Emit(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, req.Items[0].Code)
	assert.Empty(t, req.Items[0].ServiceCode)
}
