// Package embedstore persists story part embeddings. Vectors are keyed
// by (story, part_index); a story re-embed replaces all of its parts.
package embedstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// Dimensions of the embedding model output.
const Dimensions = 1536

type Store struct {
	pool *pgxpool.Pool
}

// Part is one stored vector of a story's document.
type Part struct {
	Story     int64
	PartIndex int
	Vector    []float32
}

// New wraps an existing pool (shared with the item catalog) and ensures
// the embeddings table exists unless readOnly.
func New(ctx context.Context, pool *pgxpool.Pool, readOnly bool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := &Store{pool: pool}
	if !readOnly {
		ddl := []string{
			`CREATE EXTENSION IF NOT EXISTS vector`,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embeddings (
				story bigint NOT NULL,
				part_index int NOT NULL,
				embedding vector(%d) NOT NULL,
				updated_at bigint NOT NULL,
				PRIMARY KEY (story, part_index)
			)`, Dimensions),
		}
		for _, q := range ddl {
			if _, err := pool.Exec(ctx, q); err != nil {
				return nil, fmt.Errorf("ensuring embeddings schema: %w", err)
			}
		}
	}
	return s, nil
}

// UpsertParts replaces every stored part of the story with vectors, in
// one transaction, so a shrunken document leaves no stale high parts.
func (s *Store) UpsertParts(ctx context.Context, story int64, vectors [][]float32) error {
	if story <= 0 {
		return fmt.Errorf("story id must be positive")
	}
	for i, v := range vectors {
		if len(v) != Dimensions {
			return fmt.Errorf("part %d of story %d has dimension %d, want %d", i, story, len(v), Dimensions)
		}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning embedding upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().Unix()
	b := &pgx.Batch{}
	b.Queue(`DELETE FROM embeddings WHERE story = $1`, story)
	for i, v := range vectors {
		b.Queue(`
			INSERT INTO embeddings (story, part_index, embedding, updated_at)
			VALUES ($1, $2, $3, $4)
		`, story, i, pgvector.NewVector(v), now)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("storing %d parts of story %d: %w", len(vectors), story, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing embedding upsert: %w", err)
	}
	return nil
}

// LoadAll streams every stored part ordered by (story, part_index),
// for rebuilding the vector index at startup.
func (s *Store) LoadAll(ctx context.Context, fn func(Part) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT story, part_index, embedding FROM embeddings
		ORDER BY story, part_index
	`)
	if err != nil {
		return fmt.Errorf("loading embeddings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p Part
		var vec pgvector.Vector
		if err := rows.Scan(&p.Story, &p.PartIndex, &vec); err != nil {
			return err
		}
		p.Vector = vec.Slice()
		if err := fn(p); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LoadStory returns the story's part vectors in part order, nil when
// the story has no stored parts.
func (s *Store) LoadStory(ctx context.Context, story int64) ([][]float32, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT embedding FROM embeddings WHERE story = $1 ORDER BY part_index
	`, story)
	if err != nil {
		return nil, fmt.Errorf("loading embeddings of story %d: %w", story, err)
	}
	defer rows.Close()
	var out [][]float32
	for rows.Next() {
		var vec pgvector.Vector
		if err := rows.Scan(&vec); err != nil {
			return nil, err
		}
		out = append(out, vec.Slice())
	}
	return out, rows.Err()
}

// LastStory returns the largest story id with any stored part.
func (s *Store) LastStory(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT coalesce(max(story), 0) FROM embeddings`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("reading last embedded story: %w", err)
	}
	return id, nil
}

// MinMissingSince returns the smallest eligible story id above afterID
// that has no stored embedding, or 0 when none is missing. Eligibility
// mirrors the embedding engine's predicate.
func (s *Store) MinMissingSince(ctx context.Context, afterID, minScore, minComments int64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT coalesce(min(i.id), 0) FROM items i
		WHERE i.type = 'story' AND NOT i.deleted AND NOT i.dead
		  AND i.score >= $1 AND i.descendants >= $2 AND i.id > $3
		  AND NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.story = i.id)
	`, minScore, minComments, afterID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("finding missing embeddings: %w", err)
	}
	return id, nil
}

// Count returns the number of stored parts and distinct stories.
func (s *Store) Count(ctx context.Context) (parts, stories int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT count(*), count(DISTINCT story) FROM embeddings
	`).Scan(&parts, &stories)
	if err != nil {
		return 0, 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return parts, stories, nil
}
