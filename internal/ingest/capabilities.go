// Package ingest drives pipeline: enumerate -> fetch+parse
// -> dedup -> chunk -> embed -> store -> link -> tag, with progress
// broadcast through the event bus.
package ingest

import "context"

// CrawledDocument is what a Crawler capability yields per page, ahead
// of storage-layer persistence.
type CrawledDocument struct {
	URL string
	Title string
	Content string
	Headings []string
	SectionPath string
	WordCount int
	HasCode bool
	Language string
}

// Crawler is the external crawl capability: "crawl(url,
// maxPages, maxDepth, includePatterns, excludePatterns) ->
// stream<CrawledDocument>". Out of scope to implement the wire
// protocol; Sibyl consumes it as an interface plus a local-file-walker
// implementation for non-web sources.
type Crawler interface {
	Crawl(ctx context.Context, url string, maxPages, maxDepth int, include, exclude []string) (<-chan CrawledDocument, <-chan error)
	FetchFavicon(ctx context.Context, url string) (string, error)
}

// Embedder is the embedding capability: embed(texts) ->
// float[][] at a fixed dimension matching the graph vector index.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
