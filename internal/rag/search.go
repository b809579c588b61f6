package rag

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// DefaultTopK is the number of chunks returned when a query asks for none.
const DefaultTopK = 5

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Chunk is one retrieved document fragment with its similarity score.
type Chunk struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float32 `json:"score"`
}

// Searcher runs vector similarity queries against a pgvector table. The
// table needs content and source text columns and an embedding vector
// column.
type Searcher struct {
	pool  *pgxpool.Pool
	table string
}

// NewSearcher connects to Postgres and verifies the connection. The table
// name comes from configuration, so it is checked against a strict
// identifier pattern before ever being interpolated into SQL.
func NewSearcher(ctx context.Context, dsn, table string) (*Searcher, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 8

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Searcher{pool: pool, table: table}, nil
}

// Search returns the topK most similar chunks for the query vector,
// ordered by cosine distance.
func (s *Searcher) Search(ctx context.Context, embedding []float32, topK int) ([]Chunk, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	query := fmt.Sprintf(`
		SELECT content, source, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	defer rows.Close()

	chunks := []Chunk{}
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.Content, &c.Source, &c.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}
	return chunks, nil
}

// Ping verifies the database connection.
func (s *Searcher) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Searcher) Close() {
	s.pool.Close()
}
