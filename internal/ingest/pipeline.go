// Package ingest drives the indexing pipeline's parse-chunk-store stage:
// it enumerates raw objects, routes each to its format canonicalizer,
// windows the canonical text, and materializes the chunk set.
package ingest

import (
	"context"
	"fmt"
	"path"
	"strings"

	"civicinfo/internal/chunker"
	"civicinfo/internal/config"
	"civicinfo/internal/logging"
	"civicinfo/internal/manifest"
	"civicinfo/internal/materialize"
	"civicinfo/internal/objectstore"
)

// Outcome summarizes one document's processing.
type Outcome struct {
	DocumentID  string
	SavedChunks int
	Skipped     bool
	Err         error
}

// Stats aggregates a pipeline run.
type Stats struct {
	Processed   int
	SavedChunks int
	Skipped     int
	Failed      int
}

// Pipeline owns the collaborators of the parse-chunk-store stage.
type Pipeline struct {
	store          objectstore.Store
	builder        *chunker.Builder
	materializer   *materialize.Materializer
	canonicalizers map[chunker.Format]chunker.Canonicalizer
	rawPrefix      string
	storage        config.StorageBackend
	s3Bucket       string
	force          bool
}

// New constructs a Pipeline.
func New(store objectstore.Store, builder *chunker.Builder, mat *materialize.Materializer,
	canonicalizers map[chunker.Format]chunker.Canonicalizer, cfg config.Config) *Pipeline {
	return &Pipeline{
		store:          store,
		builder:        builder,
		materializer:   mat,
		canonicalizers: canonicalizers,
		rawPrefix:      cfg.RawPrefix,
		storage:        cfg.Storage,
		s3Bucket:       cfg.S3.Bucket,
		force:          cfg.ForceOverwrite,
	}
}

// Run processes every raw object under the raw prefix. Failures of one
// document never abort the batch.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	token := ""
	for {
		res, err := p.store.List(ctx, objectstore.ListOptions{
			Prefix:            p.rawPrefix + "/",
			ContinuationToken: token,
		})
		if err != nil {
			return stats, fmt.Errorf("list raw prefix: %w", err)
		}
		for _, obj := range res.Objects {
			if !isRawObject(obj.Key) {
				continue
			}
			out := p.ProcessKey(ctx, obj.Key)
			stats.Processed++
			switch {
			case out.Err != nil:
				stats.Failed++
			case out.Skipped:
				stats.Skipped++
			default:
				stats.SavedChunks += out.SavedChunks
			}
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
		}
		if !res.IsTruncated || res.NextContinuationToken == "" {
			break
		}
		token = res.NextContinuationToken
	}
	logging.Log.WithField("processed", stats.Processed).WithField("saved_chunks", stats.SavedChunks).
		WithField("skipped", stats.Skipped).WithField("failed", stats.Failed).Info("chunk_run_complete")
	return stats, nil
}

// ProcessKey parses a single raw object and materializes its chunks.
func (p *Pipeline) ProcessKey(ctx context.Context, key string) Outcome {
	log := logging.Log.WithField("key", key)

	man, err := manifest.Load(ctx, p.store, key)
	if err != nil {
		log.WithField("error", err.Error()).Error("manifest_load_failed")
		man = manifest.Raw{}
	}

	raw, err := objectstore.GetBytes(ctx, p.store, key)
	if err != nil {
		log.WithField("error", err.Error()).Error("read_failed")
		return Outcome{Err: err}
	}

	rawSHA := materialize.SHA256Hex(raw)
	docID := man.FileHash
	if docID == "" {
		docID = rawSHA
	}
	log = log.WithField("document_id", docID)

	// Pre-check: chunks already persisted and no force.
	if !p.force {
		if exists, err := p.materializer.ChunkFileExists(ctx, docID); err == nil && exists {
			log.Info("skip_existing_chunks")
			return Outcome{DocumentID: docID, Skipped: true}
		}
	}

	format := FormatFor(key, man)
	canon, ok := p.canonicalizers[format]
	if !ok {
		err := fmt.Errorf("no canonicalizer for format %q", format)
		log.WithField("format", string(format)).Error("format_unsupported")
		return Outcome{DocumentID: docID, Err: err}
	}

	doc, err := canon.Canonicalize(ctx, raw, man)
	if err != nil {
		log.WithField("error", err.Error()).Error("extract_failed")
		if aerr := p.materializer.AnnotateFailure(ctx, key, "extract_failed: "+err.Error()); aerr != nil {
			log.WithField("error", aerr.Error()).Warn("manifest_annotate_failed")
		}
		return Outcome{DocumentID: docID, Err: err}
	}

	loc := chunker.RawLocation{}
	if p.storage == config.StorageS3 {
		loc.S3URL = fmt.Sprintf("s3://%s/%s", p.s3Bucket, key)
	} else {
		loc.LocalPath = key
	}

	chunks := p.builder.Build(doc, format, docID, key, rawSHA, man, loc)
	if len(chunks) == 0 {
		log.Info("no_chunks")
		if aerr := p.materializer.AnnotateFailure(ctx, key, "no_extractable_text"); aerr != nil {
			log.WithField("error", aerr.Error()).Warn("manifest_annotate_failed")
		}
		return Outcome{DocumentID: docID}
	}

	// Race re-check after parsing: a concurrent writer may have landed
	// identical content; the manifest sha comparison stays authoritative.
	if !p.force {
		if exists, err := p.materializer.ChunkFileExists(ctx, docID); err == nil && exists {
			log.Info("race_skip_existing")
			return Outcome{DocumentID: docID, Skipped: true}
		}
	}

	res, err := p.materializer.Write(ctx, docID, chunks, key, rawSHA)
	if err != nil {
		log.WithField("error", err.Error()).Error("chunk_write_failed")
		return Outcome{DocumentID: docID, Err: err}
	}
	log.WithField("saved_chunks", len(chunks)).WithField("chunk_file", res.ChunkFile).
		WithField("chunk_sha256", res.SHA256).WithField("written", res.Written).Info("parsed")
	return Outcome{DocumentID: docID, SavedChunks: len(chunks)}
}

// FormatFor routes a raw object to its extraction path using the manifest
// mime extension first, then the key extension. Unknown types fall back
// to the HTML/text path.
func FormatFor(key string, man manifest.Raw) chunker.Format {
	ext := strings.ToLower(strings.TrimPrefix(man.MimeExt, "."))
	if ext == "" {
		ext = strings.ToLower(strings.TrimPrefix(path.Ext(key), "."))
	}
	switch ext {
	case "pdf":
		return chunker.FormatPDF
	case "png", "jpg", "jpeg", "gif", "tif", "tiff", "bmp", "webp":
		return chunker.FormatImage
	default:
		return chunker.FormatHTML
	}
}

// isRawObject filters out manifests and temp keys from the raw listing.
func isRawObject(key string) bool {
	if strings.HasSuffix(key, ".manifest.json") {
		return false
	}
	if strings.Contains(key, ".tmp.") || strings.HasSuffix(key, ".tmp") {
		return false
	}
	return true
}
