package memory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/rs/zerolog"
)

// BleveLTM indexes fragments with bleve. Exact and substring lookups run
// against a keyword copy of the normalised input; the analysed input field
// backs Related, the ranked full-text search used by operators.
type BleveLTM struct {
	writeMu sync.Mutex
	index   bleve.Index
	logger  zerolog.Logger
}

type bleveDoc struct {
	InstanceID string `json:"instance_id"`
	Generation string `json:"generation"`
	Input      string `json:"input"`
	InputNorm  string `json:"input_norm"`
	Response   string `json:"response"`
	Sentiment  string `json:"sentiment"`
	TS         string `json:"ts"`
}

var bleveFields = []string{"instance_id", "generation", "input", "response", "sentiment", "ts"}

// NewBleveLTM opens the index at path, creating it when missing. An empty
// path builds a memory-only index.
func NewBleveLTM(path string, logger zerolog.Logger) (*BleveLTM, error) {
	var (
		idx bleve.Index
		err error
	)
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(buildFragmentMapping())
	default:
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			idx, err = bleve.New(path, buildFragmentMapping())
		} else {
			idx, err = bleve.Open(path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("ltm bleve: open index: %w", err)
	}
	return &BleveLTM{index: idx, logger: logger}, nil
}

func buildFragmentMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	keyword := bleve.NewKeywordFieldMapping()

	stored := bleve.NewTextFieldMapping()
	stored.Index = false

	doc.AddFieldMappingsAt("input", text)
	doc.AddFieldMappingsAt("input_norm", keyword)
	doc.AddFieldMappingsAt("instance_id", keyword)
	doc.AddFieldMappingsAt("generation", keyword)
	doc.AddFieldMappingsAt("sentiment", keyword)
	doc.AddFieldMappingsAt("ts", keyword)
	doc.AddFieldMappingsAt("response", stored)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	return im
}

// Close closes the underlying index.
func (b *BleveLTM) Close() error {
	return b.index.Close()
}

// Write indexes f unless a document with its ID already exists.
func (b *BleveLTM) Write(_ context.Context, f Fragment) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	existing, err := b.index.Document(f.ID)
	if err != nil {
		return fmt.Errorf("ltm bleve: lookup %s: %w", f.ID, err)
	}
	if existing != nil {
		return nil
	}

	doc := bleveDoc{
		InstanceID: f.InstanceID,
		Generation: strconv.FormatUint(f.Generation, 10),
		Input:      f.Input,
		InputNorm:  Normalize(f.Input),
		Response:   f.Response,
		Sentiment:  f.Sentiment,
		TS:         f.Timestamp.UTC().Format(sqliteTimeLayout),
	}
	if err := b.index.Index(f.ID, doc); err != nil {
		return fmt.Errorf("ltm bleve: index fragment: %w", err)
	}
	b.logger.Debug().Str("fragment_id", f.ID).Msg("ltm bleve: write")
	return nil
}

// Query returns fragments whose normalised input contains pattern.
func (b *BleveLTM) Query(ctx context.Context, pattern string, limit int) ([]Fragment, error) {
	norm := Normalize(pattern)
	// Wildcard metacharacters inside the pattern become single-character
	// wildcards; the Contains filter below restores exact semantics.
	escaped := strings.NewReplacer("*", "?", "\\", "?").Replace(norm)
	q := bleve.NewWildcardQuery("*" + escaped + "*")
	q.SetField("input_norm")

	hits, err := b.search(ctx, q, limit, "-ts")
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, f := range hits {
		if strings.Contains(Normalize(f.Input), norm) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Match returns fragments whose normalised input equals norm.
func (b *BleveLTM) Match(ctx context.Context, norm string, limit int) ([]Fragment, error) {
	q := bleve.NewTermQuery(norm)
	q.SetField("input_norm")
	return b.search(ctx, q, limit, "-ts")
}

// Related runs a ranked full-text search over the analysed input field.
func (b *BleveLTM) Related(ctx context.Context, text string, limit int) ([]Fragment, error) {
	q := bleve.NewMatchQuery(text)
	q.SetField("input")
	return b.search(ctx, q, limit, "-_score")
}

func (b *BleveLTM) search(ctx context.Context, q query.Query, limit int, sortBy string) ([]Fragment, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = bleveFields
	req.SortBy([]string{sortBy, "-_id"})

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ltm bleve: search: %w", err)
	}

	out := make([]Fragment, 0, len(res.Hits))
	for _, hit := range res.Hits {
		f, err := fragmentFromFields(hit.ID, hit.Fields)
		if err != nil {
			b.logger.Warn().Err(err).Str("fragment_id", hit.ID).Msg("ltm bleve: skip malformed document")
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func fragmentFromFields(id string, fields map[string]any) (Fragment, error) {
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	gen, err := strconv.ParseUint(str("generation"), 10, 64)
	if err != nil {
		return Fragment{}, fmt.Errorf("parse generation: %w", err)
	}
	ts, err := time.Parse(sqliteTimeLayout, str("ts"))
	if err != nil {
		return Fragment{}, fmt.Errorf("parse ts: %w", err)
	}
	return Fragment{
		ID:         id,
		InstanceID: str("instance_id"),
		Generation: gen,
		Input:      str("input"),
		Response:   str("response"),
		Sentiment:  str("sentiment"),
		Timestamp:  ts,
	}, nil
}

var (
	_ LongTermStore = (*BleveLTM)(nil)
	_ Matcher       = (*BleveLTM)(nil)
)
