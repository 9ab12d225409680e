package authority

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/sirupsen/logrus"
)

const maxResponseSize = 1 << 20

// Live talks to the authority JSON API.
type Live struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenProvider
}

func NewLive(baseURL string, httpClient *http.Client, tokens *TokenProvider) *Live {
	return &Live{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
	}
}

func (c *Live) Submit(ctx context.Context, s Submission) (Outcome, error) {
	bearer, err := c.tokens.Bearer(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/documents", bytes.NewReader(encodeSubmission(s)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	if s.RequestID != "" {
		req.Header.Set("X-Request-ID", s.RequestID)
	}

	log := logger.WithFields(logrus.Fields{"series": s.Series, "type": s.Type})
	log.Debug("Submitting document to authority")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "authority request")
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "read authority response")
	}

	switch {
	case res.StatusCode == http.StatusOK || res.StatusCode == http.StatusCreated:
		return decodeOutcome(body)
	case res.StatusCode == http.StatusUnauthorized:
		c.tokens.Invalidate()
		return nil, decodeAPIError(res.StatusCode, body)
	default:
		return nil, decodeAPIError(res.StatusCode, body)
	}
}

func encodeSubmission(s Submission) []byte {
	var e jx.Encoder
	e.ObjStart()
	if s.RequestID != "" {
		e.FieldStart("request_id")
		e.Str(s.RequestID)
	}
	e.FieldStart("type")
	e.Str(string(s.Type))
	e.FieldStart("series")
	e.Str(s.Series)

	e.FieldStart("counterparty")
	e.ObjStart()
	e.FieldStart("name")
	e.Str(s.Counterparty.Name)
	e.FieldStart("tax_id")
	e.Str(s.Counterparty.TaxID)
	e.FieldStart("address")
	e.Str(s.Counterparty.Address)
	e.ObjEnd()

	e.FieldStart("items")
	e.ArrStart()
	for _, it := range s.Items {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(it.Code)
		e.FieldStart("description")
		e.Str(it.Description)
		e.FieldStart("quantity")
		e.Str(it.Quantity.String())
		e.FieldStart("unit_price")
		e.Str(it.UnitPrice.StringFixed(2))
		if it.NCM != "" {
			e.FieldStart("ncm")
			e.Str(it.NCM)
		}
		if it.CFOP != "" {
			e.FieldStart("cfop")
			e.Str(it.CFOP)
		}
		if it.ServiceCode != "" {
			e.FieldStart("service_code")
			e.Str(it.ServiceCode)
		}
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("extras")
	e.ObjStart()
	if s.Extras.ServiceCode != "" {
		e.FieldStart("service_code")
		e.Str(s.Extras.ServiceCode)
	}
	e.FieldStart("tax_withheld")
	e.Bool(s.Extras.TaxWithheld)
	e.ObjEnd()

	e.FieldStart("total")
	e.Str(s.Total.StringFixed(2))
	if len(s.XML) > 0 {
		e.FieldStart("xml")
		e.Base64(s.XML)
	}
	e.ObjEnd()
	return e.Bytes()
}

func decodeOutcome(body []byte) (Outcome, error) {
	var status, docRef, renderRef, reason string

	d := jx.DecodeBytes(body)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "status":
			status, err = d.Str()
		case "document_ref":
			docRef, err = d.Str()
		case "render_ref":
			renderRef, err = d.Str()
		case "reason":
			reason, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedResponse, "decode: %v", err)
	}

	switch status {
	case "authorized":
		if docRef == "" || renderRef == "" {
			return nil, errors.Wrap(ErrMalformedResponse, "authorized without references")
		}
		return &Authorized{DocumentRef: docRef, RenderRef: renderRef}, nil
	case "rejected":
		if reason == "" {
			reason = "rejected by authority without reason"
		}
		return &Rejected{Reason: reason}, nil
	default:
		return nil, errors.Wrapf(ErrMalformedResponse, "unknown status %q", status)
	}
}

func decodeAPIError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode, Message: http.StatusText(statusCode)}

	d := jx.DecodeBytes(body)
	_ = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "code":
			apiErr.Code, err = d.Str()
		case "message":
			apiErr.Message, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return apiErr
}

// KeyExchange trades the configured API key for a short-lived access token.
type KeyExchange struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewKeyExchange(baseURL, apiKey string, httpClient *http.Client) *KeyExchange {
	return &KeyExchange{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (k *KeyExchange) FetchToken(ctx context.Context) (Token, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("api_key", func(e *jx.Encoder) { e.Str(k.apiKey) })
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/auth/token", bytes.NewReader(e.Bytes()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := k.httpClient.Do(req)
	if err != nil {
		return Token{}, errors.Wrap(err, "token request")
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return Token{}, err
	}
	if res.StatusCode != http.StatusOK {
		return Token{}, decodeAPIError(res.StatusCode, body)
	}

	var t Token
	var expiresIn int64
	d := jx.DecodeBytes(body)
	err = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "access_token":
			t.Value, err = d.Str()
		case "expires_in":
			expiresIn, err = d.Int64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return Token{}, errors.Wrapf(ErrMalformedResponse, "decode token: %v", err)
	}
	if expiresIn > 0 {
		t.ExpiresAt = time.Now().UTC().Add(time.Duration(expiresIn) * time.Second)
	}
	return t, nil
}
