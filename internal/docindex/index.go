// Package docindex ingests an uploaded PDF into a searchable index of text
// chunks and extracts the services it offers.
package docindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
)

// Defaults for chunking, retrieval and service extraction
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
	DefaultTopK         = 5
	DefaultServicePages = 5
	DefaultServiceChars = 3000
	embedBatchSize      = 64
)

var (
	// ErrNoText is returned when a document contains no extractable text.
	ErrNoText = errors.New("document contains no extractable text")
	// ErrInvalidPDF is returned when the PDF cannot be parsed.
	ErrInvalidPDF = errors.New("invalid PDF document")
)

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// ServiceExtractor lists the bookable services mentioned in a text.
type ServiceExtractor interface {
	ExtractServices(ctx context.Context, text string) ([]string, error)
}

// Opts holds configuration for building an Index.
type Opts struct {
	Embedder     Embedder
	Extractor    ServiceExtractor
	ChunkSize    int
	ChunkOverlap int
	TopK         int
	ServicePages int
	ServiceChars int
}

// Option defines a function for configuring Opts.
type Option func(*Opts)

// WithEmbedder enables vector similarity search. Without it chunks are
// ranked by term overlap.
func WithEmbedder(e Embedder) Option {
	return func(o *Opts) {
		o.Embedder = e
	}
}

// WithServiceExtractor enables service detection.
func WithServiceExtractor(x ServiceExtractor) Option {
	return func(o *Opts) {
		o.Extractor = x
	}
}

// WithChunking overrides the chunk size and overlap, in characters.
func WithChunking(size, overlap int) Option {
	return func(o *Opts) {
		o.ChunkSize = size
		o.ChunkOverlap = overlap
	}
}

// WithTopK sets how many chunks Context joins.
func WithTopK(k int) Option {
	return func(o *Opts) {
		o.TopK = k
	}
}

// Chunk is one retrievable piece of the document.
type Chunk struct {
	Text   string
	Page   int
	vector []float64
}

// Index is an ingested document. It is safe for concurrent reads.
type Index struct {
	ID       string
	Pages    int
	chunks   []Chunk
	services []string
	embedder Embedder
	topK     int
}

// Ingest parses the PDF in r and builds an Index from its pages.
func Ingest(ctx context.Context, r io.ReaderAt, size int64, opts ...Option) (*Index, error) {
	pages, err := ExtractPages(r, size)
	if err != nil {
		return nil, err
	}
	return Build(ctx, pages, opts...)
}

// IngestBytes is Ingest over an in-memory PDF.
func IngestBytes(ctx context.Context, data []byte, opts ...Option) (*Index, error) {
	return Ingest(ctx, bytes.NewReader(data), int64(len(data)), opts...)
}

// ExtractPages returns the plain text of every page, in order.
func ExtractPages(r io.ReaderAt, size int64) (pages []string, err error) {
	// the pdf reader panics on some malformed inputs
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("docindex.ExtractPages: PDF parser panicked", "panic", rec)
			pages, err = nil, fmt.Errorf("%w: %v", ErrInvalidPDF, rec)
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	n := reader.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			slog.Warn("docindex.ExtractPages: failed to read page text", "page", i, "error", err)
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	slog.Debug("docindex.ExtractPages: extracted pages", "count", n)
	return pages, nil
}

// Build indexes already extracted page texts.
func Build(ctx context.Context, pages []string, opts ...Option) (*Index, error) {
	cfg := Opts{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		TopK:         DefaultTopK,
		ServicePages: DefaultServicePages,
		ServiceChars: DefaultServiceChars,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ix := &Index{ID: uuid.NewString(), Pages: len(pages), embedder: cfg.Embedder, topK: cfg.TopK}
	for i, page := range pages {
		for _, text := range SplitText(page, cfg.ChunkSize, cfg.ChunkOverlap) {
			ix.chunks = append(ix.chunks, Chunk{Text: text, Page: i + 1})
		}
	}
	if len(ix.chunks) == 0 {
		return nil, ErrNoText
	}

	if cfg.Embedder != nil {
		if err := ix.embedChunks(ctx); err != nil {
			return nil, err
		}
	}

	if cfg.Extractor != nil {
		ix.services = extractServices(ctx, cfg.Extractor, pages, cfg.ServicePages, cfg.ServiceChars)
	}
	slog.Info("docindex.Build: document indexed", "id", ix.ID, "pages", ix.Pages, "chunks", len(ix.chunks), "services", len(ix.services), "vectors", cfg.Embedder != nil)
	return ix, nil
}

func (ix *Index) embedChunks(ctx context.Context) error {
	for start := 0; start < len(ix.chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(ix.chunks) {
			end = len(ix.chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range ix.chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vectors, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			slog.Error("Index.embedChunks: embedding failed", "id", ix.ID, "error", err)
			return fmt.Errorf("failed to embed document chunks: %w", err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("failed to embed document chunks: got %d vectors for %d chunks", len(vectors), len(texts))
		}
		for i, v := range vectors {
			ix.chunks[start+i].vector = v
		}
	}
	return nil
}

// extractServices is best effort: any failure yields no services.
func extractServices(ctx context.Context, x ServiceExtractor, pages []string, maxPages, maxChars int) []string {
	if maxPages > 0 && len(pages) > maxPages {
		pages = pages[:maxPages]
	}
	text := strings.Join(pages, " ")
	if r := []rune(text); maxChars > 0 && len(r) > maxChars {
		text = string(r[:maxChars])
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	services, err := x.ExtractServices(ctx, text)
	if err != nil {
		slog.Warn("docindex.extractServices: service extraction failed, continuing without services", "error", err)
		return nil
	}
	return services
}

// Services returns the services detected in the document.
func (ix *Index) Services() []string {
	return append([]string(nil), ix.services...)
}

// Chunks returns the number of indexed chunks.
func (ix *Index) Chunks() int {
	return len(ix.chunks)
}

// Search returns the k chunks most relevant to query, best first.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Chunk, error) {
	if k <= 0 {
		k = ix.topK
	}
	scores := make([]float64, len(ix.chunks))
	if ix.embedder != nil {
		vectors, err := ix.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("failed to embed query: got %d vectors", len(vectors))
		}
		for i, c := range ix.chunks {
			scores[i] = cosine(vectors[0], c.vector)
		}
	} else {
		qt := terms(query)
		for i, c := range ix.chunks {
			scores[i] = termOverlap(qt, c.Text)
		}
	}

	order := make([]int, len(ix.chunks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	if k > len(order) {
		k = len(order)
	}
	out := make([]Chunk, 0, k)
	for _, i := range order[:k] {
		out = append(out, ix.chunks[i])
	}
	return out, nil
}

// Context joins the best matching chunks for query into one text block.
func (ix *Index) Context(ctx context.Context, query string) (string, error) {
	chunks, err := ix.Search(ctx, query, ix.topK)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, "\n\n"), nil
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func terms(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}

// termOverlap is the share of query terms present in text.
func termOverlap(query map[string]bool, text string) float64 {
	if len(query) == 0 {
		return 0
	}
	have := terms(text)
	n := 0
	for t := range query {
		if have[t] {
			n++
		}
	}
	return float64(n) / float64(len(query))
}
