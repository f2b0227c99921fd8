// Package blobstore stores JSON documents as zlib compressed objects with a
// tag set attached as object metadata.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/clevi/pricestore/pkg/config"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
	"github.com/clevi/pricestore/pkg/logger"
	"github.com/clevi/pricestore/pkg/storage/gcs"
)

const contentType = "application/zlib"

// ObjectStore is the subset of the GCS client the adapter uses.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, name, contentType string, metadata map[string]string, data []byte) (gcs.ObjectAttrs, error)
	Download(ctx context.Context, bucket, name string) ([]byte, gcs.ObjectAttrs, error)
	List(ctx context.Context, bucket string, query gcs.ListQuery) (gcs.ListPage, error)
	Delete(ctx context.Context, bucket, name string, generation int64) error
	Close() error
}

type Store struct {
	objects          ObjectStore
	logg             *logger.Logger
	compressionLevel int
	stripWhitespace  bool
}

func New(objects ObjectStore, cfg config.BlobConfig, logg *logger.Logger) *Store {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Store{
		objects:          objects,
		logg:             logg,
		compressionLevel: cfg.CompressionLevel,
		stripWhitespace:  cfg.StripWhitespace,
	}
}

type uploadOptions struct {
	level           int
	stripWhitespace bool
}

type UploadOption func(*uploadOptions)

// WithCompressionLevel sets the zlib level, 0 (store) through 9 (best).
func WithCompressionLevel(level int) UploadOption {
	return func(o *uploadOptions) { o.level = level }
}

// WithWhitespace stores an indented rendering instead of compact JSON.
func WithWhitespace() UploadOption {
	return func(o *uploadOptions) { o.stripWhitespace = false }
}

// Document is a downloaded JSON value. When Value is an object the tags are
// also present under its "tags" key.
type Document struct {
	Value any
	Tags  map[string]string
}

// ObjectInfo describes an object matched by a tag query.
type ObjectInfo struct {
	Name       string
	Tags       map[string]string
	Size       int64
	Generation int64
	Updated    time.Time
}

// UploadJSON serializes value, compresses it and uploads it under name,
// replacing any existing object.
func (s *Store) UploadJSON(ctx context.Context, name string, value any, tags map[string]string, opts ...UploadOption) error {
	o := uploadOptions{level: s.compressionLevel, stripWhitespace: s.stripWhitespace}
	for _, opt := range opts {
		opt(&o)
	}
	if o.level < 0 || o.level > 9 {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "compression level must be between 0 and 9, got %d", o.level)
	}
	if name == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "blob name is required")
	}

	raw, err := encode(value, !o.stripWhitespace)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "value is not JSON serializable")
	}
	payload, err := compress(raw, o.level)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "compressing blob")
	}

	ctx = s.logg.WithFields(ctx, map[string]any{"blob": name, "raw_bytes": len(raw), "stored_bytes": len(payload)})
	if _, err := s.objects.Upload(ctx, "", name, contentType, tags, payload); err != nil {
		s.logg.Error(ctx, "blob upload failed", err)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "uploading blob")
	}
	s.logg.Debug(ctx, "blob uploaded")
	return nil
}

// DownloadJSON fetches name, decompresses and parses it.
func (s *Store) DownloadJSON(ctx context.Context, name string) (Document, error) {
	data, attrs, err := s.objects.Download(ctx, "", name)
	if errors.Is(err, gcs.ErrObjectNotFound) {
		return Document{}, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, fmt.Sprintf("blob %q not found", name))
	}
	if err != nil {
		return Document{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "downloading blob")
	}

	raw, err := decompress(data)
	if err != nil {
		return Document{}, pkgerrors.Wrap(pkgerrors.CodeCorruptData, err, fmt.Sprintf("blob %q is not zlib data", name))
	}
	value, err := decode(raw)
	if err != nil {
		return Document{}, pkgerrors.Wrap(pkgerrors.CodeCorruptData, err, fmt.Sprintf("blob %q is not valid JSON", name))
	}

	tags := attrs.Metadata
	if tags == nil {
		tags = map[string]string{}
	}
	if obj, ok := value.(map[string]any); ok {
		merged := make(map[string]any, len(tags))
		for k, v := range tags {
			merged[k] = v
		}
		obj["tags"] = merged
	}
	return Document{Value: value, Tags: tags}, nil
}

// FindByTags lists the objects whose tags satisfy query. Each call starts a
// fresh listing; the sequence stops at the first error it yields.
func (s *Store) FindByTags(ctx context.Context, query string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		q, err := ParseTagQuery(query)
		if err != nil {
			yield(ObjectInfo{}, err)
			return
		}

		token := ""
		for {
			page, err := s.objects.List(ctx, "", gcs.ListQuery{PageToken: token})
			if err != nil {
				yield(ObjectInfo{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing blobs"))
				return
			}
			for _, obj := range page.Objects {
				if !q.Match(obj.Metadata) {
					continue
				}
				info := ObjectInfo{
					Name:       obj.Name,
					Tags:       obj.Metadata,
					Size:       obj.Size,
					Generation: obj.Generation,
					Updated:    obj.Updated,
				}
				if !yield(info, nil) {
					return
				}
			}
			if page.NextPageToken == "" {
				return
			}
			token = page.NextPageToken
		}
	}
}

// Delete removes the live object. With deleteSnapshots every noncurrent
// generation of name is removed as well. Deleting a missing blob succeeds.
func (s *Store) Delete(ctx context.Context, name string, deleteSnapshots bool) error {
	ctx = s.logg.WithField(ctx, "blob", name)
	if err := s.objects.Delete(ctx, "", name, 0); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deleting blob")
	}
	if !deleteSnapshots {
		return nil
	}

	removed := 0
	token := ""
	for {
		page, err := s.objects.List(ctx, "", gcs.ListQuery{Prefix: name, Versions: true, PageToken: token})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing blob generations")
		}
		for _, obj := range page.Objects {
			if obj.Name != name {
				continue
			}
			if err := s.objects.Delete(ctx, "", name, obj.Generation); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("deleting generation %d", obj.Generation))
			}
			removed++
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	s.logg.Debug(s.logg.WithField(ctx, "generations", removed), "blob snapshots deleted")
	return nil
}

func (s *Store) Close() error {
	return s.objects.Close()
}
