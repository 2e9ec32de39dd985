// Package upload implements the batch executor for audio uploads: each item
// is streamed from a staging source into blob storage and then indexed.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"batch-pipeline/pkg/batch"
)

// Source opens staged files. size is the number of bytes the reader yields.
type Source interface {
	Open(ctx context.Context, location string) (rc io.ReadCloser, size int64, err error)
}

// BlobStore persists uploaded objects under a key.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// Track describes an uploaded object for post-processing.
type Track struct {
	Key         string
	BatchID     string
	ItemID      string
	Title       string
	Artist      string
	Album       string
	Genre       string
	ContentType string
	Bytes       int64
}

// Processor runs after the transfer, e.g. catalog indexing.
type Processor interface {
	Process(ctx context.Context, track Track) error
}

// Options configures an Executor.
type Options struct {
	Source       Source    // Required
	Store        BlobStore // Required
	Processor    Processor // Optional: nil skips post-processing
	MaxBytes     int64     // Optional: 0 disables the size limit
	ContentTypes []string  // Optional: defaults to DefaultContentTypes
	Logger       *slog.Logger
}

// Executor uploads one file per item.
type Executor struct {
	source    Source
	store     BlobStore
	processor Processor
	maxBytes  int64
	allowed   []string
	logger    *slog.Logger
}

// New returns an upload executor.
func New(opts Options) (*Executor, error) {
	if opts.Source == nil {
		return nil, errors.New("upload source is required")
	}
	if opts.Store == nil {
		return nil, errors.New("upload blob store is required")
	}
	allowed := make([]string, 0, len(opts.ContentTypes))
	for _, ct := range opts.ContentTypes {
		if ct = strings.ToLower(strings.TrimSpace(ct)); ct != "" {
			allowed = append(allowed, ct)
		}
	}
	if len(allowed) == 0 {
		allowed = DefaultContentTypes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		source:    opts.Source,
		store:     opts.Store,
		processor: opts.Processor,
		maxBytes:  opts.MaxBytes,
		allowed:   allowed,
		logger:    logger.With("component", "upload_executor"),
	}, nil
}

func (e *Executor) Kind() batch.Kind { return batch.KindUpload }

func (e *Executor) Validate(raw json.RawMessage) []batch.FieldError {
	cfg, err := parseConfig(raw)
	if err != nil {
		return []batch.FieldError{{Message: err.Error()}}
	}
	return cfg.validate(e.allowed, e.maxBytes)
}

// Execute streams the source into the blob store, reporting transfer
// progress up to 99%, then runs the processor.
func (e *Executor) Execute(ctx context.Context, task batch.Task, rep batch.Reporter) (batch.Result, error) {
	cfg, err := parseConfig(task.Config)
	if err != nil {
		return batch.Result{}, batch.TransferError("invalid upload config", err)
	}

	rc, size, err := e.source.Open(ctx, cfg.Source)
	if err != nil {
		return batch.Result{}, batch.TransferError(fmt.Sprintf("open source %q", cfg.Source), err)
	}
	defer rc.Close()

	if e.maxBytes > 0 && size > e.maxBytes {
		return batch.Result{}, batch.TransferError(
			fmt.Sprintf("source is %d bytes, limit is %d", size, e.maxBytes), nil)
	}
	if cfg.SizeBytes > 0 && size != cfg.SizeBytes {
		return batch.Result{}, batch.TransferError(
			fmt.Sprintf("source is %d bytes, declared %d", size, cfg.SizeBytes), nil)
	}

	key := ObjectKey(task.BatchID, task.ItemID, cfg.FileName)
	body := &progressReader{r: io.LimitReader(rc, size), total: size, report: rep.Progress}
	if err := e.store.Put(ctx, key, body, size, cfg.ContentType); err != nil {
		return batch.Result{}, batch.TransferError("store object", err)
	}
	if body.read != size {
		return batch.Result{}, batch.TransferError(
			fmt.Sprintf("short read: got %d of %d bytes", body.read, size), nil)
	}

	rep.PostProcessing()
	if e.processor != nil {
		track := Track{
			Key:         key,
			BatchID:     task.BatchID,
			ItemID:      task.ItemID,
			Title:       cfg.Title,
			Artist:      cfg.Artist,
			Album:       cfg.Album,
			Genre:       cfg.Genre,
			ContentType: cfg.ContentType,
			Bytes:       size,
		}
		if err := e.processor.Process(ctx, track); err != nil {
			return batch.Result{}, batch.ProcessingError("index track", err)
		}
	}

	e.logger.DebugContext(ctx, "track uploaded", "batch_id", task.BatchID, "item_id", task.ItemID, "key", key, "bytes", size)

	data, err := json.Marshal(map[string]any{
		"key":          key,
		"bytes":        size,
		"content_type": cfg.ContentType,
	})
	if err != nil {
		return batch.Result{}, batch.ProcessingError("encode result", err)
	}
	return batch.Result{Data: data, Value: float64(size)}, nil
}

// ObjectKey is the blob key of an uploaded item. Batch and item ids are
// escaped as single path segments, so distinct ids never share a key.
func ObjectKey(batchID, itemID, fileName string) string {
	return keySegment(batchID) + "/" + keySegment(itemID) + "/" + path.Base("/"+fileName)
}

func keySegment(s string) string {
	switch s {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(s)
}

// progressReader reports the share of bytes read so far, capped at 99 so
// that 100 is only reached once post-processing begins.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && n > 0 {
		pct := min(int(p.read*100/p.total), 99)
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
