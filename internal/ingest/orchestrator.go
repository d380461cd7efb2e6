package ingest

import (
	"context"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/scopehq/contextmcp/internal/chunk"
	"github.com/scopehq/contextmcp/internal/embed"
	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/merkle"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/scope"
	"github.com/scopehq/contextmcp/internal/vecindex"
)

// fingerprintKey is the dataset-metadata key holding the content
// fingerprint of the last successful ingest.
const fingerprintKey = "fingerprint"

// Config tunes an Ingestor.
type Config struct {
	ChunkOpts      chunk.Options
	ChunkWorkers   int
	WriteBatchSize int
	Hybrid         bool
}

// Ingestor executes ingest runs against the shared stores.
type Ingestor struct {
	meta      *metastore.Store
	index     vecindex.Index
	embedder  *embed.Coordinator
	snapshots *merkle.Store
	cfg       Config
	logger    *slog.Logger
}

// New creates an Ingestor. snapshots may be nil to disable snapshot
// persistence after local ingests.
func New(meta *metastore.Store, index vecindex.Index, embedder *embed.Coordinator, snapshots *merkle.Store, cfg Config) *Ingestor {
	if cfg.ChunkWorkers <= 0 {
		cfg.ChunkWorkers = 8
	}
	if cfg.WriteBatchSize <= 0 {
		cfg.WriteBatchSize = 100
	}
	if cfg.ChunkOpts.MaxTokens <= 0 {
		cfg.ChunkOpts = chunk.DefaultOptions()
	}
	return &Ingestor{
		meta:      meta,
		index:     index,
		embedder:  embedder,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    slog.Default().With("component", "ingest"),
	}
}

// Request describes one ingest run.
type Request struct {
	Project  string
	Dataset  string
	Source   Source
	Force    bool
	JobID    string
	Progress ProgressFunc
}

// Statuses of a finished run.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
)

// Result summarizes a finished run.
type Result struct {
	Status     string
	Project    string
	Dataset    string
	Collection string
	Files      int
	Chunks     int
	PointCount int64
}

// record pairs a chunk with its provenance through the pipeline.
type record struct {
	id          string
	doc         *Document
	ck          chunk.Chunk
	contentHash string
}

// Run executes the seven ingest phases. A failure in any phase marks
// the job failed and leaves the collection binding at its prior state;
// the binding is only advanced in finalize.
func (g *Ingestor) Run(ctx context.Context, req Request) (*Result, error) {
	res, err := g.run(ctx, req)
	if err != nil {
		g.failJob(req.JobID, err)
		return nil, err
	}
	return res, nil
}

func (g *Ingestor) run(ctx context.Context, req Request) (*Result, error) {
	progress := newProgressMapper(req.Progress)
	g.setJobRunning(req.JobID)

	// Phase 1: scope resolve.
	progress.report(PhaseResolve, 0, 1, "resolving scope")
	project, err := g.meta.GetOrCreateProject(ctx, req.Project)
	if err != nil {
		return nil, err
	}
	dataset, err := g.meta.GetOrCreateDataset(ctx, project, req.Dataset)
	if err != nil {
		return nil, err
	}
	collection := scope.CollectionName(project.Name, dataset.Name)

	binding, err := g.meta.GetBinding(ctx, dataset.ID, metastore.BackendLocal)
	if errors.IsKind(err, errors.KindNotFound) {
		binding = &metastore.Binding{
			DatasetID:      dataset.ID,
			CollectionName: collection,
			Backend:        metastore.BackendLocal,
			Dimension:      g.embedder.Dimensions(),
			IsHybrid:       g.cfg.Hybrid,
		}
		if err := g.meta.UpsertBinding(ctx, *binding); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	progress.report(PhaseResolve, 1, 1, collection)

	// Phase 2: collection prepare.
	progress.report(PhasePrepare, 0, 1, "preparing collection")
	exists, err := g.index.HasCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if exists && req.Force {
		if err := g.index.DropCollection(ctx, collection); err != nil {
			return nil, err
		}
		exists = false
	}
	if !exists {
		create := g.index.CreateCollection
		if g.cfg.Hybrid {
			create = g.index.CreateHybridCollection
		}
		if err := create(ctx, collection, g.embedder.Dimensions()); err != nil {
			return nil, err
		}
	}
	progress.report(PhasePrepare, 1, 1, collection)

	// Phase 3: enumerate.
	progress.report(PhaseEnumerate, 0, 1, req.Source.Describe())
	docs, err := req.Source.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	progress.report(PhaseEnumerate, 1, 1, req.Source.Describe())
	g.setJobTotals(req.JobID, len(docs), progress.current())

	// Unchanged content short-circuits unless forced.
	fingerprint := req.Source.Fingerprint()
	if !req.Force && fingerprint != "" && binding.PointCount > 0 {
		if prior, ok := dataset.Metadata[fingerprintKey].(string); ok && prior == fingerprint {
			g.completeJob(req.JobID, "skipped: content unchanged")
			return &Result{
				Status:     StatusSkipped,
				Project:    project.Name,
				Dataset:    dataset.Name,
				Collection: collection,
				PointCount: binding.PointCount,
			}, nil
		}
	}

	// Phase 4: chunk in parallel, order preserved by document index.
	perDoc := make([][]record, len(docs))
	eg := new(errgroup.Group)
	eg.SetLimit(g.cfg.ChunkWorkers)
	done := 0
	for i := range docs {
		eg.Go(func() error {
			doc := &docs[i]
			perDoc[i] = g.chunkDocument(doc)
			return nil
		})
		done++
		if done%10 == 0 {
			progress.report(PhaseChunk, done, len(docs), "chunking")
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindCancelled, "ingest cancelled", err)
	}

	var records []record
	for _, rs := range perDoc {
		records = append(records, rs...)
	}
	progress.report(PhaseChunk, len(docs), len(docs), "chunked")

	// Phase 5: embed, order preserved.
	inputs := make([]embed.Input, len(records))
	for i, r := range records {
		inputs[i] = embed.Input{ID: r.id, Text: r.ck.Content, IsCode: r.ck.IsCode}
	}
	progress.report(PhaseEmbed, 0, len(inputs), "embedding")
	vectors, err := g.embedder.EmbedChunks(ctx, inputs)
	if err != nil {
		return nil, err
	}
	progress.report(PhaseEmbed, len(inputs), len(inputs), "embedded")

	// Phase 6: write in bounded batches, serially per collection so
	// pointCount stays monotonic.
	sourceType := req.Source.Type()
	written := 0
	for start := 0; start < len(records); start += g.cfg.WriteBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.KindCancelled, "ingest cancelled", err)
		}
		end := start + g.cfg.WriteBatchSize
		if end > len(records) {
			end = len(records)
		}

		points := make([]vecindex.Point, 0, end-start)
		for i := start; i < end; i++ {
			r := records[i]
			points = append(points, vecindex.Point{
				ID:     r.id,
				Dense:  vectors[i].Dense,
				Sparse: vectors[i].Sparse,
				Payload: vecindex.Payload{
					ProjectID:   project.ID,
					DatasetID:   dataset.ID,
					SourceType:  sourceType,
					Path:        r.doc.Path,
					URL:         r.doc.URL,
					PageID:      r.doc.PageID,
					Title:       r.doc.Title,
					Repo:        r.doc.Repo,
					Branch:      r.doc.Branch,
					Commit:      r.doc.Commit,
					Symbol:      r.ck.Symbol,
					Language:    r.ck.Language,
					StartLine:   r.ck.StartLine,
					EndLine:     r.ck.EndLine,
					IsCode:      r.ck.IsCode,
					ChunkIndex:  r.ck.Index,
					ContentHash: r.contentHash,
					Content:     r.ck.Content,
				},
			})
		}
		if err := g.index.Upsert(ctx, collection, points); err != nil {
			return nil, err
		}
		written += len(points)
		progress.report(PhaseWrite, written, len(records), "writing")
		g.setJobProcessed(req.JobID, written, progress.current())
	}

	// Shadow rows move per source key so sync can find them later.
	for i, rs := range perDoc {
		rows := make([]metastore.ChunkRow, len(rs))
		for j, r := range rs {
			rows[j] = metastore.ChunkRow{
				ID:          r.id,
				ChunkIndex:  r.ck.Index,
				ContentHash: r.contentHash,
				IsCode:      r.ck.IsCode,
				Language:    r.ck.Language,
			}
		}
		if err := g.meta.ReplaceChunksForSource(ctx, dataset.ID, docs[i].SourceKey, rows); err != nil {
			return nil, err
		}
	}

	// Phase 7: finalize.
	progress.report(PhaseFinalize, 0, 1, "finalizing")
	if err := g.index.Flush(ctx, collection); err != nil {
		return nil, err
	}
	count, err := g.index.Count(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := g.meta.UpdateBindingCount(ctx, dataset.ID, metastore.BackendLocal, count); err != nil {
		return nil, err
	}
	if fingerprint != "" {
		if err := g.meta.SetDatasetMetadata(ctx, dataset.ID, fingerprintKey, fingerprint); err != nil {
			return nil, err
		}
	}
	if local, ok := req.Source.(*LocalSource); ok && g.snapshots != nil && local.Tree() != nil {
		abs, err := filepath.Abs(local.Root)
		if err == nil {
			if err := g.snapshots.Save(local.Tree(), abs); err != nil {
				g.logger.Warn("snapshot save failed", "root", abs, "error", err)
			}
		}
	}
	progress.report(PhaseFinalize, 1, 1, "done")
	g.completeJob(req.JobID, "")

	g.logger.Info("ingest completed",
		"project", project.Name, "dataset", dataset.Name,
		"files", len(docs), "chunks", len(records), "points", count)

	return &Result{
		Status:     StatusCompleted,
		Project:    project.Name,
		Dataset:    dataset.Name,
		Collection: collection,
		Files:      len(docs),
		Chunks:     len(records),
		PointCount: count,
	}, nil
}

// chunkDocument cuts one document into records with stable ids.
func (g *Ingestor) chunkDocument(doc *Document) []record {
	contentHash := merkle.HashBytes(doc.Content)

	var chunks []chunk.Chunk
	if doc.URL != "" {
		// Crawled pages are markdown.
		chunks = chunk.Markdown(doc.Content, g.cfg.ChunkOpts)
	} else {
		chunks = chunk.File(doc.Path, doc.Content, g.cfg.ChunkOpts)
	}

	records := make([]record, len(chunks))
	for i, ck := range chunks {
		records[i] = record{
			id:          ChunkID(doc.SourceKey, contentHash, ck.Index),
			doc:         doc,
			ck:          ck,
			contentHash: contentHash,
		}
	}
	return records
}

func (g *Ingestor) setJobRunning(jobID string) {
	if jobID == "" {
		return
	}
	status := metastore.JobRunning
	_ = g.meta.UpdateJob(context.Background(), jobID, metastore.JobPatch{Status: &status})
}

func (g *Ingestor) setJobTotals(jobID string, total, progress int) {
	if jobID == "" {
		return
	}
	_ = g.meta.UpdateJob(context.Background(), jobID, metastore.JobPatch{TotalFiles: &total, Progress: &progress})
}

func (g *Ingestor) setJobProcessed(jobID string, processed, progress int) {
	if jobID == "" {
		return
	}
	_ = g.meta.UpdateJob(context.Background(), jobID, metastore.JobPatch{ProcessedFiles: &processed, Progress: &progress})
}

func (g *Ingestor) completeJob(jobID, summary string) {
	if jobID == "" {
		return
	}
	status := metastore.JobCompleted
	progress := 100
	patch := metastore.JobPatch{Status: &status, Progress: &progress}
	if summary != "" {
		patch.Summary = &summary
	}
	_ = g.meta.UpdateJob(context.Background(), jobID, patch)
}

func (g *Ingestor) failJob(jobID string, runErr error) {
	if jobID == "" {
		return
	}
	status := metastore.JobFailed
	if errors.KindOf(runErr) == errors.KindCancelled {
		status = metastore.JobCancelled
	}
	msg := runErr.Error()
	_ = g.meta.UpdateJob(context.Background(), jobID, metastore.JobPatch{Status: &status, Error: &msg})
}
