// Package server exposes the emission engine over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal"
	"github.com/alapierre/go-fiscal-engine/fiscal/auth"
	"github.com/alapierre/go-fiscal-engine/fiscal/emission"
	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/alapierre/go-fiscal-engine/fiscal/qr"
	"github.com/alapierre/go-fiscal-engine/fiscal/registry"
	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "server")

const principalKey = "principal"

type Emitter interface {
	Emit(ctx context.Context, req model.EmissionRequest) (*emission.Result, error)
}

type Server struct {
	Emitter     Emitter
	Registry    registry.Registry
	Verifier    *auth.Verifier
	Environment fiscal.Environment
	// Settings is rendered by GET /config; it must already be redacted.
	Settings any
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "environment": s.Environment.Name()})
	})

	api := r.Group("/", s.authenticate())
	api.POST("/documents", permit(auth.CanEmit), s.emit)
	api.GET("/documents", permit(auth.CanView), s.list)
	api.GET("/documents/:id", permit(auth.CanView), s.get)
	api.GET("/documents/:id/qr.png", permit(auth.CanView), s.qrCode)
	api.GET("/config", permit(auth.CanConfigure), s.config)

	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(fiscal.Context(c.Request.Context(), id))
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fiscal.Logger(c.Request.Context(), "server").WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Info("request")
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.Verifier.Verify(c.GetHeader("Authorization"))
		if err != nil {
			logger.WithError(err).Debug("authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(principalKey, p)
		c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

func permit(gate func(auth.Role) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := auth.PrincipalFromContext(c.Request.Context())
		if !gate(p.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": fiscal.ErrForbidden.Error()})
			return
		}
		c.Next()
	}
}

func (s *Server) emit(c *gin.Context) {
	var req model.EmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	res, err := s.Emitter.Emit(c.Request.Context(), req)
	if res == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errString(err)})
		return
	}
	c.JSON(statusFor(res), res)
}

func statusFor(res *emission.Result) int {
	switch res.Kind {
	case "":
		if res.Authorized() {
			return http.StatusCreated
		}
		return http.StatusInternalServerError
	case fiscal.KindValidation:
		return http.StatusUnprocessableEntity
	case fiscal.KindAuthorityRejection:
		return http.StatusConflict
	case fiscal.KindAuthorityUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) list(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	docs, err := s.Registry.ListDocuments(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
}

func parseFilter(c *gin.Context) (registry.Filter, error) {
	f := registry.Filter{
		Type:   model.DocumentType(c.Query("type")),
		Status: model.Status(c.Query("status")),
		Series: c.Query("series"),
		TaxID:  c.Query("tax_id"),
	}
	if f.Type != "" && !f.Type.Valid() {
		return f, errors.Errorf("unknown document type %q", f.Type)
	}

	var err error
	if f.From, err = parseDate(c.Query("from")); err != nil {
		return f, errors.Wrap(err, "from")
	}
	if f.To, err = parseDate(c.Query("to")); err != nil {
		return f, errors.Wrap(err, "to")
	}
	if !f.To.IsZero() {
		f.To = f.To.AddDate(0, 0, 1)
	}
	if f.Limit, err = parseInt(c.Query("limit")); err != nil {
		return f, errors.Wrap(err, "limit")
	}
	if f.Offset, err = parseInt(c.Query("offset")); err != nil {
		return f, errors.Wrap(err, "offset")
	}
	return f, nil
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(time.DateOnly, v, time.UTC)
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err == nil && n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, err
}

func (s *Server) load(c *gin.Context) (*model.Document, bool) {
	doc, err := s.Registry.GetDocumentWithItems(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, fiscal.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return doc, true
}

func (s *Server) get(c *gin.Context) {
	if doc, ok := s.load(c); ok {
		c.JSON(http.StatusOK, doc)
	}
}

func (s *Server) qrCode(c *gin.Context) {
	doc, ok := s.load(c)
	if !ok {
		return
	}
	link, err := qr.VerificationLink(s.Environment, doc.CounterpartyTaxID, doc.IssuedAt, doc.VerificationCode)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	img, err := qr.PNG(link)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("X-Verification-Link", link)
	c.Data(http.StatusOK, "image/png", img)
}

func (s *Server) config(c *gin.Context) {
	if strings.Contains(c.GetHeader("Accept"), "json") {
		c.JSON(http.StatusOK, s.Settings)
		return
	}
	c.YAML(http.StatusOK, s.Settings)
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
