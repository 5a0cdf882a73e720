package rag

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/mapping"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
)

// ErrNoCollection indicates a search against a collection that was never
// ingested.
var ErrNoCollection = errors.New("collection not found")

var collectionName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

var reSpaces = regexp.MustCompile(`\s+`)

// Document is one ingestable source document.
type Document struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// DocChunk is the indexed unit: one slice of a document.
type DocChunk struct {
	DocID      string    `json:"doc_id"`
	Collection string    `json:"collection"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	ChunkIndex int       `json:"chunk_index"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Hit is one retrieval result.
type Hit struct {
	ID    string
	Title string
	URL   string
	Text  string
	Score float64
}

// Manager owns the on-disk bleve indexes, one directory per collection.
type Manager struct {
	cfg    config.RAGConfig
	logger *log.Logger

	mu   sync.Mutex
	open map[string]bleve.Index
}

// NewManager creates a Manager rooted at cfg.IndexDir.
func NewManager(cfg config.RAGConfig) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[RAG] ", log.LstdFlags),
		open:   make(map[string]bleve.Index),
	}
}

// Ingest chunks the documents and indexes them into the collection, creating
// the collection on first use. It returns the number of chunks indexed.
func (m *Manager) Ingest(ctx context.Context, collection string, docs []Document) (int, error) {
	idx, err := m.index(collection, true)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	batch := idx.NewBatch()
	count := 0
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		text := strings.TrimSpace(d.Text)
		if text == "" {
			continue
		}
		hash := sha1Hex(normalize(text))
		for i, part := range makeChunks(text, m.cfg.ChunkSize, m.cfg.ChunkOverlap) {
			chunk := DocChunk{
				DocID:      fmt.Sprintf("%s#%03d", hash, i),
				Collection: collection,
				URL:        d.URL,
				Title:      d.Title,
				Text:       part,
				ChunkIndex: i,
				IngestedAt: now,
			}
			if err := batch.Index(chunk.DocID, chunk); err != nil {
				return count, fmt.Errorf("index chunk: %w", err)
			}
			count++
		}
	}
	if err := idx.Batch(batch); err != nil {
		return 0, fmt.Errorf("apply batch: %w", err)
	}
	m.logger.Printf("ingested %d chunks into %q", count, collection)
	return count, nil
}

// Search runs a query-string search over the collection and returns up to
// limit hits with their stored fields. limit <= 0 falls back to the
// configured top_k.
func (m *Manager) Search(ctx context.Context, collection, query string, limit int) ([]Hit, error) {
	idx, err := m.index(collection, false)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = m.cfg.TopK
	}

	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	req.Fields = []string{"text", "title", "url"}
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", collection, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{
			ID:    h.ID,
			Title: fieldString(h.Fields["title"]),
			URL:   fieldString(h.Fields["url"]),
			Text:  fieldString(h.Fields["text"]),
			Score: h.Score,
		})
	}
	return hits, nil
}

// Close closes every open index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, idx := range m.open {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.open, name)
	}
	return firstErr
}

func (m *Manager) index(collection string, create bool) (bleve.Index, error) {
	if !collectionName.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.open[collection]; ok {
		return idx, nil
	}

	path := filepath.Join(m.cfg.IndexDir, collection)
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrNoCollection, collection)
		}
		if err := os.MkdirAll(m.cfg.IndexDir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
		idx, err = bleve.New(path, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("create collection %q: %w", collection, err)
		}
		m.logger.Printf("created collection %q at %s", collection, path)
	} else if err != nil {
		return nil, fmt.Errorf("open collection %q: %w", collection, err)
	}
	m.open[collection] = idx
	return idx, nil
}

func buildMapping() mapping.IndexMapping {
	stored := bleve.NewTextFieldMapping()
	stored.Store = true

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("text", stored)
	doc.AddFieldMappingsAt("title", stored)
	doc.AddFieldMappingsAt("url", stored)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

func makeChunks(s string, approx, overlap int) []string {
	s = strings.TrimSpace(s)
	if approx <= 0 {
		approx = 1000
	}
	if overlap < 0 || overlap >= approx {
		overlap = 0
	}
	if len(s) <= approx {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(s); {
		end := start + approx
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[start:end])
		if end == len(s) {
			break
		}
		start = end - overlap
	}
	return out
}

func fieldString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func sha1Hex(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func normalize(s string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
}
