// Package storage archives raw authority and source responses so parsers can
// be re-run against historical pages after a site changes its markup.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
)

// Archive writes response bodies to a BlobStore under content-addressed names.
type Archive struct {
	blobs  crawler.BlobStore
	hasher crawler.Hasher
	logger *zap.Logger
}

// Record describes one archived body.
type Record struct {
	URI    string `json:"uri"`
	Digest string `json:"digest"`
	Path   string `json:"path"`
}

// NewArchive wires the blob store and hasher. A nil Archive discards writes.
func NewArchive(blobs crawler.BlobStore, hasher crawler.Hasher, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{blobs: blobs, hasher: hasher, logger: logger.Named("archive")}
}

// Save stores body under raw/{namespace}/{yyyy}/{mm}/{dd}/{digest}.{ext}.
// Identical bodies on the same day map to the same object.
func (a *Archive) Save(ctx context.Context, namespace string, fetchedAt time.Time, contentType string, body []byte) (Record, error) {
	if a == nil || a.blobs == nil {
		return Record{}, nil
	}
	if len(body) == 0 {
		return Record{}, errors.New("archive: empty body")
	}
	digest, err := a.hasher.Hash(body)
	if err != nil {
		return Record{}, fmt.Errorf("archive: hash body: %w", err)
	}
	objectPath := ObjectPath(namespace, fetchedAt, digest, contentType)
	uri, err := a.blobs.PutObject(ctx, objectPath, contentType, bytes.NewReader(body))
	if err != nil {
		return Record{}, fmt.Errorf("archive: put %s: %w", objectPath, err)
	}
	a.logger.Debug("archived response",
		zap.String("namespace", namespace),
		zap.String("uri", uri),
		zap.Int("bytes", len(body)),
	)
	return Record{URI: uri, Digest: digest, Path: objectPath}, nil
}

// ObjectPath builds the archive object name for a body digest.
func ObjectPath(namespace string, fetchedAt time.Time, digest, contentType string) string {
	ns := strings.ToLower(strings.TrimSpace(namespace))
	if ns == "" {
		ns = "unknown"
	}
	ns = strings.NewReplacer("/", "_", "..", "_", " ", "_").Replace(ns)
	day := fetchedAt.UTC()
	return path.Join("raw", ns,
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", int(day.Month())),
		fmt.Sprintf("%02d", day.Day()),
		digest+"."+extension(contentType),
	)
}

func extension(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "html"):
		return "html"
	case strings.Contains(ct, "xml"):
		return "xml"
	case strings.HasPrefix(ct, "text/"):
		return "txt"
	default:
		return "bin"
	}
}
