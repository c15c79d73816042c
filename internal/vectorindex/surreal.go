package vectorindex

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/surrealdb/surrealdb.go"

	"call-insights-go/internal/logger"
	"call-insights-go/internal/types"
)

type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	Dimension int
}

// Surreal stores chunks in a SurrealDB table with an HNSW cosine index.
type Surreal struct {
	db  *surrealdb.DB
	dim int
	log *logrus.Entry
}

const schemaSQL = `
DEFINE TABLE IF NOT EXISTS chunk SCHEMALESS;
DEFINE INDEX IF NOT EXISTS chunk_call ON chunk FIELDS call_id;
DEFINE INDEX IF NOT EXISTS chunk_embedding ON chunk FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;
`

func NewSurreal(ctx context.Context, cfg SurrealConfig, log *logger.Logger) (*Surreal, error) {
	if log == nil {
		log = logger.New()
	}
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect surrealdb: %w", err)
	}
	if _, err := db.SignIn(ctx, surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("signin: %w", err)
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("use: %w", err)
	}
	s := &Surreal{db: db, dim: cfg.Dimension, log: log.WithField("component", "vectorindex")}
	if _, err := surrealdb.Query[any](ctx, db, fmt.Sprintf(schemaSQL, cfg.Dimension), nil); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s.log.WithFields(logrus.Fields{"url": cfg.URL, "dimension": cfg.Dimension}).Info("surrealdb vector index ready")
	return s, nil
}

func (s *Surreal) Close(ctx context.Context) error { return s.db.Close(ctx) }

func (s *Surreal) Dimension() int { return s.dim }

func (s *Surreal) Index(ctx context.Context, rec types.VectorRecord) error {
	if err := checkRecord(rec, s.dim); err != nil {
		return err
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	sql := `UPSERT type::record("chunk", $id) CONTENT {
		chunk_id: $id,
		call_id: $call_id,
		chunk_index: $chunk_index,
		text: $text,
		metadata: $metadata,
		embedding: $embedding
	}`
	_, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{
		"id":          rec.ChunkID,
		"call_id":     rec.CallID,
		"chunk_index": rec.ChunkIndex,
		"text":        rec.Text,
		"metadata":    meta,
		"embedding":   rec.Vector,
	})
	if err != nil {
		return fmt.Errorf("%w: index %s: %v", types.ErrUnavailable, rec.ChunkID, err)
	}
	return nil
}

func (s *Surreal) BulkIndex(ctx context.Context, recs []types.VectorRecord) BulkResult {
	out := make(BulkResult, len(recs))
	for i, rec := range recs {
		out[i] = s.Index(ctx, rec)
	}
	if n := out.Failed(); n > 0 {
		s.log.WithFields(logrus.Fields{"failed": n, "total": len(recs)}).Warn("bulk index partially failed")
	}
	return out
}

type surrealHit struct {
	ChunkID    string         `json:"chunk_id"`
	CallID     string         `json:"call_id"`
	ChunkIndex int            `json:"chunk_index"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata"`
	Cos        float64        `json:"cos"`
}

func (s *Surreal) VectorSearch(ctx context.Context, q Query) ([]types.SearchHit, error) {
	rows, err := s.nearest(ctx, q, q.K)
	if err != nil {
		return nil, err
	}
	hits := make([]types.SearchHit, 0, len(rows))
	for _, r := range rows {
		if score := scoreFromCosine(r.Cos); score >= q.MinScore {
			hits = append(hits, r.hit(score))
		}
	}
	return rank(hits, q.K), nil
}

// HybridSearch re-ranks a wider vector candidate set by blended score.
func (s *Surreal) HybridSearch(ctx context.Context, q Query) ([]types.SearchHit, error) {
	rows, err := s.nearest(ctx, q, q.K*4)
	if err != nil {
		return nil, err
	}
	hits := make([]types.SearchHit, 0, len(rows))
	for _, r := range rows {
		score := Blend(scoreFromCosine(r.Cos), LexicalScore(q.Text, r.Text))
		if score >= q.MinScore {
			hits = append(hits, r.hit(score))
		}
	}
	return rank(hits, q.K), nil
}

func (s *Surreal) nearest(ctx context.Context, q Query, limit int) ([]surrealHit, error) {
	if err := checkDimension(q.Vector, s.dim); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	where, vars, err := filterClause(q.Filters)
	if err != nil {
		return nil, err
	}
	vars["emb"] = q.Vector
	vars["limit"] = limit
	sql := fmt.Sprintf(`SELECT chunk_id, call_id, chunk_index, text, metadata,
		vector::similarity::cosine(embedding, $emb) AS cos
		FROM chunk %s ORDER BY cos DESC LIMIT $limit`, where)

	res, err := surrealdb.Query[[]surrealHit](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", types.ErrUnavailable, err)
	}
	if res == nil || len(*res) == 0 {
		return nil, nil
	}
	return (*res)[0].Result, nil
}

func (s *Surreal) DeleteByCall(ctx context.Context, callID string) (int, error) {
	res, err := surrealdb.Query[[]map[string]any](ctx, s.db,
		`DELETE chunk WHERE call_id = $call_id RETURN BEFORE`,
		map[string]any{"call_id": callID})
	if err != nil {
		return 0, fmt.Errorf("%w: delete chunks of %s: %v", types.ErrUnavailable, callID, err)
	}
	if res == nil || len(*res) == 0 {
		return 0, nil
	}
	return len((*res)[0].Result), nil
}

func (s *Surreal) DeleteChunksFrom(ctx context.Context, callID string, from int) (int, error) {
	res, err := surrealdb.Query[[]map[string]any](ctx, s.db,
		`DELETE chunk WHERE call_id = $call_id AND chunk_index >= $from RETURN BEFORE`,
		map[string]any{"call_id": callID, "from": from})
	if err != nil {
		return 0, fmt.Errorf("%w: delete chunks of %s from %d: %v", types.ErrUnavailable, callID, from, err)
	}
	if res == nil || len(*res) == 0 {
		return 0, nil
	}
	return len((*res)[0].Result), nil
}

func (r surrealHit) hit(score float64) types.SearchHit {
	return types.SearchHit{
		ChunkID:    r.ChunkID,
		CallID:     r.CallID,
		ChunkIndex: r.ChunkIndex,
		Score:      score,
		Text:       r.Text,
		Metadata:   r.Metadata,
	}
}

var fieldName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// filterClause renders filters as a WHERE clause over metadata fields.
// Keys are validated since they cannot be bound as parameters.
func filterClause(f Filters) (string, map[string]any, error) {
	vars := map[string]any{}
	var conds []string

	eqKeys := make([]string, 0, len(f.Equals))
	for k := range f.Equals {
		eqKeys = append(eqKeys, k)
	}
	sort.Strings(eqKeys)
	for i, k := range eqKeys {
		if !fieldName.MatchString(k) {
			return "", nil, fmt.Errorf("%w: bad filter field %q", types.ErrInvalidInput, k)
		}
		p := fmt.Sprintf("eq_%d", i)
		conds = append(conds, fmt.Sprintf("metadata.%s = $%s", k, p))
		vars[p] = f.Equals[k]
	}

	rangeKeys := make([]string, 0, len(f.Ranges))
	for k := range f.Ranges {
		rangeKeys = append(rangeKeys, k)
	}
	sort.Strings(rangeKeys)
	for i, k := range rangeKeys {
		if !fieldName.MatchString(k) {
			return "", nil, fmt.Errorf("%w: bad filter field %q", types.ErrInvalidInput, k)
		}
		r := f.Ranges[k]
		if r.Min != nil {
			p := fmt.Sprintf("min_%d", i)
			conds = append(conds, fmt.Sprintf("metadata.%s >= $%s", k, p))
			vars[p] = *r.Min
		}
		if r.Max != nil {
			p := fmt.Sprintf("max_%d", i)
			conds = append(conds, fmt.Sprintf("metadata.%s <= $%s", k, p))
			vars[p] = *r.Max
		}
	}
	if len(conds) == 0 {
		return "", vars, nil
	}
	return "WHERE " + strings.Join(conds, " AND "), vars, nil
}
