// Package archive packs the XML of authorized fiscal documents into a single
// ZIP with a SHA-256 manifest, the bundle handed over to the accountant.
package archive

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/alapierre/go-fiscal-engine/fiscal/registry"
	"github.com/alapierre/go-fiscal-engine/fiscal/xmldoc"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "fiscal.archive")

// ManifestName is the name of the manifest entry inside the ZIP.
const ManifestName = "MANIFEST.json"

// Entry is one document XML to be archived. It must not be modified after
// it is handed to Build.
type Entry struct {
	ID       string
	FileName string
	XML      []byte

	sha256 []byte
}

func NewEntry(id, fileName string, xml []byte) *Entry {
	sum := sha256.Sum256(xml)
	return &Entry{ID: id, FileName: fileName, XML: xml, sha256: sum[:]}
}

// SHA256 returns the hash of XML, computing it on first use.
func (e *Entry) SHA256() []byte {
	if e.sha256 == nil {
		sum := sha256.Sum256(e.XML)
		e.sha256 = sum[:]
	}
	return e.sha256
}

// DocumentSource yields entries until it returns io.EOF.
type DocumentSource interface {
	Next() (*Entry, error)
}

type sliceSource struct {
	entries []*Entry
	idx     int
}

func NewSliceSource(entries ...*Entry) DocumentSource {
	return &sliceSource{entries: entries}
}

func (s *sliceSource) Next() (*Entry, error) {
	if s.idx >= len(s.entries) {
		return nil, io.EOF
	}
	e := s.entries[s.idx]
	s.idx++
	return e, nil
}

// registrySource rebuilds the XML of every document matching filter.
type registrySource struct {
	ctx  context.Context
	reg  registry.Registry
	docs []model.Document
	idx  int
}

func NewRegistrySource(ctx context.Context, reg registry.Registry, filter registry.Filter) (DocumentSource, error) {
	if filter.Status == "" {
		filter.Status = model.StatusAuthorized
	}
	docs, err := reg.ListDocuments(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &registrySource{ctx: ctx, reg: reg, docs: docs}, nil
}

func (s *registrySource) Next() (*Entry, error) {
	if s.idx >= len(s.docs) {
		return nil, io.EOF
	}
	id := s.docs[s.idx].ID
	s.idx++

	doc, err := s.reg.GetDocumentWithItems(s.ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load document %s", id)
	}
	xml, err := xmldoc.Build(doc, doc.Items)
	if err != nil {
		return nil, errors.Wrapf(err, "build xml for %s", id)
	}
	return NewEntry(doc.ID, FileName(doc), xml), nil
}

// FileName is the archive name of a document, e.g. "NF-e_1_000000042.xml".
func FileName(doc *model.Document) string {
	return fmt.Sprintf("%s_%s_%09d.xml", doc.Type, filepath.Base(doc.Series), doc.Number)
}

type DocumentHash struct {
	ID       string
	FileName string
	SHA256   []byte
}

type Result struct {
	ZipPath   string
	ZipSize   int64
	ZipSHA256 []byte
	Documents []DocumentHash
}

// Build writes a ZIP with every entry of src followed by the manifest.
// It fails when src yields nothing.
func Build(w io.Writer, src DocumentSource) ([]DocumentHash, error) {
	zw := zip.NewWriter(w)
	var hashes []DocumentHash

	for index := 0; ; index++ {
		e, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = zw.Close()
			return nil, errors.Wrap(err, "document source")
		}
		if len(e.XML) == 0 {
			_ = zw.Close()
			return nil, fmt.Errorf("document %d (%s) has empty XML", index, e.ID)
		}

		name := e.FileName
		if name == "" {
			name = fmt.Sprintf("document_%06d.xml", index+1)
		}

		ew, err := zw.Create(name)
		if err != nil {
			_ = zw.Close()
			return nil, errors.Wrapf(err, "create zip entry %q", name)
		}
		if _, err := ew.Write(e.XML); err != nil {
			_ = zw.Close()
			return nil, errors.Wrapf(err, "write zip entry %q", name)
		}

		hashes = append(hashes, DocumentHash{ID: e.ID, FileName: name, SHA256: e.SHA256()})
	}

	if len(hashes) == 0 {
		_ = zw.Close()
		return nil, errors.New("no documents produced by source")
	}

	mw, err := zw.Create(ManifestName)
	if err != nil {
		_ = zw.Close()
		return nil, errors.Wrap(err, "create manifest")
	}
	if _, err := mw.Write(encodeManifest(hashes, time.Now().UTC())); err != nil {
		_ = zw.Close()
		return nil, errors.Wrap(err, "write manifest")
	}

	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "close zip writer")
	}
	return hashes, nil
}

// BuildFile writes the archive to path and reports its size and hash.
func BuildFile(path string, src DocumentSource) (res *Result, err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create output dir")
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create archive")
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(f, h)}

	hashes, err := Build(cw, src)
	if err != nil {
		return nil, err
	}
	if err = f.Sync(); err != nil {
		return nil, errors.Wrap(err, "sync archive")
	}
	if err = f.Close(); err != nil {
		return nil, errors.Wrap(err, "close archive")
	}

	logger.WithFields(logrus.Fields{
		"zip_path":  path,
		"documents": len(hashes),
		"size":      cw.n,
	}).Info("Archive written")

	return &Result{ZipPath: path, ZipSize: cw.n, ZipSHA256: h.Sum(nil), Documents: hashes}, nil
}

func encodeManifest(hashes []DocumentHash, createdAt time.Time) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("created_at")
	e.Str(createdAt.Format(time.RFC3339))
	e.FieldStart("count")
	e.Int(len(hashes))
	e.FieldStart("documents")
	e.ArrStart()
	for _, d := range hashes {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(d.ID)
		e.FieldStart("file")
		e.Str(d.FileName)
		e.FieldStart("sha256")
		e.Str(hex.EncodeToString(d.SHA256))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
	return e.Bytes()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

