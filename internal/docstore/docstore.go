// Package docstore is the Document Store Adapter: a relational store for crawled documents, chunks, and
// their dense-vector embeddings.
//
// Grounded on evalgo-org-eve's db.RabbitLog GORM/Postgres layer — same
// gorm.io/gorm + gorm.io/driver/postgres stack, same connection-pool
// setup idiom, adapted from message logs to documents/chunks/sources.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/sibyl-platform/sibyl/internal/sibylerr"
)

// CrawlSourceStatus mirrors CrawlSource.status values.
type CrawlSourceStatus string

const (
	SourcePending CrawlSourceStatus = "pending"
	SourceInProgress CrawlSourceStatus = "in_progress"
	SourceCompleted CrawlSourceStatus = "completed"
	SourceFailed CrawlSourceStatus = "failed"
)

// CrawlSource is the GORM model for CrawlSource.
type CrawlSource struct {
	ID string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index"`
	Name string
	URL string
	SourceType string
	CrawlDepth int
	IncludePatterns []string `gorm:"serializer:json"`
	ExcludePatterns []string `gorm:"serializer:json"`
	Status CrawlSourceStatus
	LastError string
	DocumentCount int
	ChunkCount int
	LastCrawledAt *time.Time
	Tags []string `gorm:"serializer:json"`
	Categories []string `gorm:"serializer:json"`
	FaviconURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CrawledDocument is the GORM model for CrawledDocument.
type CrawledDocument struct {
	ID string `gorm:"primaryKey"`
	SourceID string `gorm:"index:idx_source_url,unique;index"`
	URL string `gorm:"index:idx_source_url,unique"`
	Title string
	Content string
	Headings []string `gorm:"serializer:json"`
	SectionPath string
	WordCount int
	HasCode bool
	Language string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChunkType mirrors DocumentChunk.chunk_type.
type ChunkType string

const (
	ChunkText ChunkType = "text"
	ChunkHeading ChunkType = "heading"
	ChunkCode ChunkType = "code"
)

// DocumentChunk is the GORM model for DocumentChunk.
// Embedding is stored as a pgvector column via a custom serializer;
// here it is a plain float32 slice serialized to a vector-compatible
// column type configured at migration time.
type DocumentChunk struct {
	ID string `gorm:"primaryKey"`
	DocumentID string `gorm:"index"`
	ChunkIndex int
	ChunkType ChunkType
	Content string
	Context string
	TokenCount int
	StartChar int
	EndChar int
	HeadingPath string
	Language string
	Embedding []float32 `gorm:"type:vector(1536)"`
	IsComplete bool
	HasEntities bool
	EntityIDs []string `gorm:"serializer:json"`
	CreatedAt time.Time
}

// Store is the Document Store Adapter.
type Store struct {
	db *gorm.DB
	logger *zap.Logger
}

// Open connects to Postgres and auto-migrates the schema, enabling the
// pgvector extension the way a production migration would.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, sibylerr.UpstreamUnavailable("postgres", err)
	}

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		logger.Warn("pgvector extension not available (non-fatal in dev)", zap.Error(err))
	}

	if err := db.AutoMigrate(&CrawlSource{}, &CrawledDocument{}, &DocumentChunk{}); err != nil {
		return nil, fmt.Errorf("auto-migrating docstore schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertSource creates or updates a CrawlSource.
func (s *Store) UpsertSource(ctx context.Context, src *CrawlSource) error {
	return s.db.WithContext(ctx).Save(src).Error
}

func (s *Store) GetSource(ctx context.Context, orgID, id string) (*CrawlSource, error) {
	var src CrawlSource
	err := s.db.WithContext(ctx).Where("organization_id = ? AND id = ?", orgID, id).First(&src).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, sibylerr.NotFound("crawl_source", id)
		}
		return nil, err
	}
	return &src, nil
}

// StoreDocument inserts a document and all its chunks inside one
// transaction; chunk order is stable by chunk_index. On a (source_id,
// url) uniqueness conflict nothing is written and a sibylerr Conflict
// error is returned, which the ingestion pipeline treats as "already
// crawled, skip".
func (s *Store) StoreDocument(ctx context.Context, doc *CrawledDocument, chunks []*DocumentChunk) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		for i, c := range chunks {
			c.DocumentID = doc.ID
			c.ChunkIndex = i
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, 100).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return sibylerr.Conflict(fmt.Sprintf("document already crawled: %s", doc.URL))
	}
	return err
}

// sqlStater is implemented by pgconn.PgError; matched structurally so
// this package doesn't need to import jackc/pgconn directly.
type sqlStater interface{ SQLState() string }

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState() == "23505"
	}
	return false
}

// ChunksByDocument returns a document's chunks ordered by chunk_index.
func (s *Store) ChunksByDocument(ctx context.Context, documentID string) ([]*DocumentChunk, error) {
	var chunks []*DocumentChunk
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("chunk_index asc").Find(&chunks).Error
	return chunks, err
}

// SimilarChunks returns the top-N chunks by cosine distance to query,
// above minSimilarity. Chunks of documents whose URL uses the file://
// scheme are left out.
func (s *Store) SimilarChunks(ctx context.Context, orgID string, query []float32, topN int, minSimilarity float64) ([]*DocumentChunk, []float64, error) {
	type row struct {
		DocumentChunk
		Distance float64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Table("document_chunks c").
		Joins("JOIN crawled_documents d ON d.id = c.document_id").
		Joins("JOIN crawl_sources s ON s.id = d.source_id").
		Select("c.*, (c.embedding <=> ?) AS distance", pgVector(query)).
		Where("s.organization_id = ?", orgID).
		Where("d.url NOT LIKE ?", "file://%").
		Where("1 - (c.embedding <=> ?) >= ?", pgVector(query), minSimilarity).
		Order("distance asc").
		Limit(topN).
		Find(&rows).Error
	if err != nil {
		return nil, nil, err
	}
	chunks := make([]*DocumentChunk, len(rows))
	sims := make([]float64, len(rows))
	for i, r := range rows {
		c := r.DocumentChunk
		chunks[i] = &c
		sims[i] = 1 - r.Distance
	}
	return chunks, sims, nil
}

// pgVector renders a float32 vector as a pgvector literal for raw SQL
// embedding in cosine-distance queries (the `<=>` operator).
func pgVector(v []float32) string {
	s := "["
	for i, f := range v {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%g", f)
	}
	return s + "]"
}

// ReconcileCounts recomputes DocumentCount/ChunkCount on a CrawlSource
// from ground-truth row counts, used by the sync_source job.
func (s *Store) ReconcileCounts(ctx context.Context, sourceID string) (docCount, chunkCount int64, err error) {
	if err = s.db.WithContext(ctx).Model(&CrawledDocument{}).Where("source_id = ?", sourceID).Count(&docCount).Error; err != nil {
		return
	}
	err = s.db.WithContext(ctx).Table("document_chunks c").
		Joins("JOIN crawled_documents d ON d.id = c.document_id").
		Where("d.source_id = ?", sourceID).
		Count(&chunkCount).Error
	return
}
