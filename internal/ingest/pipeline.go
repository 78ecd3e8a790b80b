package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/docstore"
	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/events"
	"github.com/sibyl-platform/sibyl/internal/graphstore"
	"github.com/sibyl-platform/sibyl/internal/ingest/chunker"
	"github.com/sibyl-platform/sibyl/internal/sibylerr"
)

// Pipeline wires the enumerate -> fetch+parse -> dedup -> chunk ->
// embed -> store -> link -> tag stages of a crawl source's ingestion
// run.
type Pipeline struct {
	docs *docstore.Store
	graph *graphstore.Adapter
	bus *events.Bus
	embedder Embedder
	chunkOpts chunker.Options
	logger *zap.Logger

	// EmbedBatchSize batches chunks before calling the embedding
	// capability (default 50,).
	EmbedBatchSize int
}

// New builds a Pipeline.
func New(docs *docstore.Store, graph *graphstore.Adapter, bus *events.Bus, embedder Embedder, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		docs: docs,
		graph: graph,
		bus: bus,
		embedder: embedder,
		chunkOpts: chunker.DefaultOptions(),
		logger: logger,
		EmbedBatchSize: 50,
	}
}

// RunResult summarizes one crawl_source execution for the final event.
type RunResult struct {
	DocumentsStored int
	ChunksCreated int
	Errors int
}

// Run drives one crawl of src through every stage, publishing
// crawl_started, periodic crawl_progress, and a final crawl_complete
// event.
func (p *Pipeline) Run(ctx context.Context, tenantID string, src *docstore.CrawlSource, crawler Crawler, maxPages, maxDepth int, onProgress func(stats, delta map[string]int)) (RunResult, error) {
	start := time.Now()
	p.bus.Publish(ctx, tenantID, events.CrawlStarted, map[string]any{
		"source_id": src.ID, "source_name": src.Name, "max_pages": maxPages,
	})

	src.Status = docstore.SourceInProgress
	if err := p.docs.UpsertSource(ctx, src); err != nil {
		return RunResult{}, fmt.Errorf("marking source in_progress: %w", err)
	}

	docsCh, errCh := crawler.Crawl(ctx, src.URL, maxPages, maxDepth, src.IncludePatterns, src.ExcludePatterns)

	var result RunResult
	seenURLs := make(map[string]bool)
	stats := map[string]int{"documents": 0, "chunks": 0, "errors": 0}

loop:
	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case doc, ok := <-docsCh:
			if !ok {
				break loop
			}
			if seenURLs[doc.URL] {
				continue // dedup by URL within this run
			}
			seenURLs[doc.URL] = true

			n, err := p.storeOne(ctx, tenantID, src, doc)
			if err != nil {
				if sibylerr.Is(err, sibylerr.KindConflict) {
					continue // already crawled, skip silently
				}
				stats["errors"]++
				result.Errors++
				p.logger.Warn("failed to store crawled document", zap.Error(err), zap.String("url", doc.URL))
				continue
			}
			result.DocumentsStored++
			result.ChunksCreated += n
			stats["documents"]++
			stats["chunks"] += n

			delta := map[string]int{"documents": 1, "chunks": n}
			if onProgress != nil {
				onProgress(stats, delta)
			}
			p.bus.Publish(ctx, tenantID, events.CrawlProgress, map[string]any{
				"source_id": src.ID, "counts": stats, "delta": delta, "errors": stats["errors"],
			})
		case err, ok := <-errCh:
			if ok && err != nil {
				stats["errors"]++
				result.Errors++
				p.logger.Warn("crawl error", zap.Error(err), zap.String("source_id", src.ID))
			}
		}
	}

	if err := p.tag(ctx, src); err != nil {
		p.logger.Warn("tagging failed (non-fatal)", zap.Error(err), zap.String("source_id", src.ID))
	}

	src.Status = docstore.SourceCompleted
	now := time.Now()
	src.LastCrawledAt = &now
	src.DocumentCount = result.DocumentsStored
	src.ChunkCount = result.ChunksCreated
	if err := p.docs.UpsertSource(ctx, src); err != nil {
		return result, fmt.Errorf("marking source completed: %w", err)
	}

	var errPayload any
	p.bus.Publish(ctx, tenantID, events.CrawlComplete, map[string]any{
		"source_id": src.ID, "counts": stats, "duration_ms": time.Since(start).Milliseconds(), "error": errPayload,
	})
	return result, nil
}

// storeOne runs fetch+parse (already done by the crawler) -> chunk ->
// embed -> store -> link for a single document, returning the chunk
// count.
func (p *Pipeline) storeOne(ctx context.Context, tenantID string, src *docstore.CrawlSource, cd CrawledDocument) (int, error) {
	opts := p.chunkOpts
	opts.DocTitle = cd.Title
	opts.DocURL = cd.URL
	if cd.HasCode {
		opts.Strategy = chunkerStrategyForSource(src.SourceType)
	}

	pieces, err := chunker.Chunk(cd.Content, opts)
	if err != nil {
		return 0, fmt.Errorf("chunking %s: %w", cd.URL, err)
	}

	docID := uuid.NewString()
	dbChunks := make([]*docstore.DocumentChunk, len(pieces))
	texts := make([]string, len(pieces))
	for i, c := range pieces {
		texts[i] = c.Prefix + "\n" + c.Content
		dbChunks[i] = &docstore.DocumentChunk{
			ID: uuid.NewString(),
			ChunkIndex: c.ChunkIndex,
			ChunkType: docstore.ChunkType(c.ChunkKind),
			Content: c.Content,
			Context: c.Prefix,
			TokenCount: c.TokenCount,
			StartChar: c.StartChar,
			EndChar: c.EndChar,
			HeadingPath: c.HeadingPath,
			Language: c.Language,
			IsComplete: true,
		}
	}

	if p.embedder != nil && len(texts) > 0 {
		embedErrors := 0
		for start := 0; start < len(texts); start += p.EmbedBatchSize {
			end := start + p.EmbedBatchSize
			if end > len(texts) {
				end = len(texts)
			}
			vecs, err := p.embedder.Embed(ctx, texts[start:end])
			if err != nil {
				// Chunks are still stored without vectors; embedding
				// failure is not fatal to ingestion.
				embedErrors += end - start
				p.logger.Warn("embedding batch failed", zap.Error(err), zap.String("url", cd.URL))
				continue
			}
			for i, v := range vecs {
				dbChunks[start+i].Embedding = v
			}
		}
		_ = embedErrors
	}

	doc := &docstore.CrawledDocument{
		ID: docID,
		SourceID: src.ID,
		URL: cd.URL,
		Title: cd.Title,
		Content: cd.Content,
		Headings: cd.Headings,
		SectionPath: cd.SectionPath,
		WordCount: cd.WordCount,
		HasCode: cd.HasCode,
		Language: cd.Language,
	}
	if err := p.docs.StoreDocument(ctx, doc, dbChunks); err != nil {
		return 0, err
	}

	if err := p.link(ctx, tenantID, doc, dbChunks); err != nil {
		p.logger.Warn("graph linking failed (non-fatal)", zap.Error(err), zap.String("document_id", doc.ID))
	}

	return len(dbChunks), nil
}

func chunkerStrategyForSource(sourceType string) chunker.Strategy {
	if strings.EqualFold(sourceType, "code") {
		return chunker.Code
	}
	return chunker.Semantic
}

// link writes DOCUMENTED_IN edges from entities referenced in a
// chunk's extracted entity ids to the document; unresolved references
// are deferred, never invented.
func (p *Pipeline) link(ctx context.Context, tenantID string, doc *docstore.CrawledDocument, chunks []*docstore.DocumentChunk) error {
	for _, c := range chunks {
		for _, entityID := range c.EntityIDs {
			if _, err := p.graph.GetEntity(ctx, tenantID, entityID); err != nil {
				if sibylerr.Is(err, sibylerr.KindNotFound) {
					continue // deferred: resolved on a later pass, never fabricated
				}
				return err
			}
			rel := entity.Relationship{
				SourceID: entityID, TargetID: doc.ID,
				RelationshipType: entity.RelDocumentedIn,
				Weight: 1.0,
				GroupID: tenantID,
				CreatedAt: time.Now(),
			}
			if err := p.graph.UpsertRelationship(ctx, rel); err != nil {
				return err
			}
		}
	}
	return nil
}

// tagHeuristics classify page content into coarse categories by a
// simple keyword-bucket table.
var tagHeuristics = map[string][]string{
	"api-reference": {"endpoint", "request", "response", "parameter"},
	"tutorial": {"step", "getting started", "walkthrough", "tutorial"},
	"architecture": {"architecture", "design", "component", "diagram"},
	"troubleshooting": {"error", "debug", "troubleshoot", "fix"},
}

// tag derives categories for src by matching the tagHeuristics keyword
// buckets against the source's own name and URL, and appends them to
// src.Categories; Run saves the source row afterwards. It does not read
// the source's stored documents and does not fetch a favicon.
func (p *Pipeline) tag(ctx context.Context, src *docstore.CrawlSource) error {
	categories := map[string]int{}
	haystack := strings.ToLower(src.Name + " " + src.URL)
	for category, keywords := range tagHeuristics {
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				categories[category]++
				break
			}
		}
	}
	for cat := range categories {
		src.Categories = appendUnique(src.Categories, cat)
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
