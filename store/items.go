package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// maxWalkDepth caps ancestor/descendant recursion. Discussion trees are
// shallow in practice; the cap guards against parent cycles in bad data.
const maxWalkDepth = 64

const upsertItemSQL = `
	INSERT INTO items (id, deleted, type, "by", time, text, dead, parent, poll, url, score, title, parts, descendants)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO UPDATE SET
		deleted = EXCLUDED.deleted,
		type = EXCLUDED.type,
		"by" = EXCLUDED."by",
		time = EXCLUDED.time,
		text = EXCLUDED.text,
		dead = EXCLUDED.dead,
		parent = EXCLUDED.parent,
		poll = EXCLUDED.poll,
		url = EXCLUDED.url,
		score = EXCLUDED.score,
		title = EXCLUDED.title,
		parts = EXCLUDED.parts,
		descendants = EXCLUDED.descendants
`

// UpsertItems writes a batch of items and their kids orderings in one
// transaction. Last writer wins; each item's kids rows are replaced
// atomically with the item row.
func (s *Store) UpsertItems(ctx context.Context, items []Item) error {
	if s.readOnly {
		return fmt.Errorf("store is read-only")
	}
	if len(items) == 0 {
		return nil
	}
	for _, it := range items {
		if it.ID <= 0 {
			return fmt.Errorf("item id must be positive, got %d", it.ID)
		}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning item upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, it := range items {
		b.Queue(upsertItemSQL,
			it.ID, it.Deleted, it.Type, it.By, it.Time, it.Text, it.Dead,
			it.Parent, it.Poll, it.URL, it.Score, it.Title, it.Parts, it.Descendants)
		b.Queue(`DELETE FROM kids WHERE item = $1`, it.ID)
		for order, kid := range it.Kids {
			b.Queue(`INSERT INTO kids (item, kid, display_order) VALUES ($1, $2, $3)
				ON CONFLICT (item, kid) DO UPDATE SET display_order = EXCLUDED.display_order`,
				it.ID, kid, int64(order))
		}
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upserting %d items: %w", len(items), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing item upsert: %w", err)
	}
	return nil
}

func (s *Store) UpsertUsers(ctx context.Context, users []User) error {
	if s.readOnly {
		return fmt.Errorf("store is read-only")
	}
	if len(users) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, u := range users {
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("user id is required")
		}
		b.Queue(`
			INSERT INTO users (id, created, karma, about, submitted)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				created = EXCLUDED.created,
				karma = EXCLUDED.karma,
				about = EXCLUDED.about,
				submitted = EXCLUDED.submitted
		`, u.ID, u.Created, u.Karma, u.About, u.Submitted)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upserting %d users: %w", len(users), err)
	}
	return nil
}

// MaxItemID returns the catalog high-water mark, 0 when empty.
func (s *Store) MaxItemID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT coalesce(max(id), 0) FROM items`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("reading max item id: %w", err)
	}
	return id, nil
}

// RootStoryID walks parents up to the root of the thread containing id.
// Returns the root id and whether that root is a story; (0, false) when
// the item is not in the catalog.
func (s *Store) RootStoryID(ctx context.Context, id int64) (int64, bool, error) {
	if id <= 0 {
		return 0, false, fmt.Errorf("item id must be positive")
	}
	var rootID int64
	var rootType string
	err := s.pool.QueryRow(ctx, `
		WITH RECURSIVE walk(id, parent, type, depth) AS (
			SELECT id, parent, type, 0 FROM items WHERE id = $1
			UNION ALL
			SELECT i.id, i.parent, i.type, w.depth + 1
			FROM items i JOIN walk w ON i.id = w.parent
			WHERE w.parent <> 0 AND w.depth < $2
		)
		SELECT id, type FROM walk ORDER BY depth DESC LIMIT 1
	`, id, maxWalkDepth).Scan(&rootID, &rootType)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("walking ancestors of item %d: %w", id, err)
	}
	return rootID, rootType == "story", nil
}

// Story returns the full item row, nil when absent.
func (s *Store) Story(ctx context.Context, id int64) (*Item, error) {
	if id <= 0 {
		return nil, fmt.Errorf("item id must be positive")
	}
	var it Item
	err := s.pool.QueryRow(ctx, `
		SELECT id, deleted, type, "by", time, text, dead, parent, poll, url, score, title, parts, descendants
		FROM items WHERE id = $1
	`, id).Scan(&it.ID, &it.Deleted, &it.Type, &it.By, &it.Time, &it.Text, &it.Dead,
		&it.Parent, &it.Poll, &it.URL, &it.Score, &it.Title, &it.Parts, &it.Descendants)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching item %d: %w", id, err)
	}
	return &it, nil
}

// StoryMetas fetches ranking features for the given story ids. Stories
// missing from the catalog are omitted.
func (s *Store) StoryMetas(ctx context.Context, ids []int64) (map[int64]StoryMeta, error) {
	out := make(map[int64]StoryMeta, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, "by", time, score, descendants
		FROM items WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching story metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m StoryMeta
		if err := rows.Scan(&m.ID, &m.Title, &m.By, &m.Time, &m.Score, &m.Descendants); err != nil {
			return nil, err
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

const eligibleWhere = `type = 'story' AND NOT deleted AND NOT dead AND score >= $1 AND descendants >= $2`

// EligibleStoriesSince lists embedding-eligible story ids strictly
// greater than afterID, ascending.
func (s *Store) EligibleStoriesSince(ctx context.Context, afterID int64, minScore, minComments, limit int64) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM items
		WHERE `+eligibleWhere+` AND id > $3
		ORDER BY id LIMIT $4
	`, minScore, minComments, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing eligible stories: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// EligibleStoryOffset returns the id k eligible stories at or below
// last, for rewinding a catchup cursor. Returns last when fewer exist.
func (s *Store) EligibleStoryOffset(ctx context.Context, last, k, minScore, minComments int64) (int64, error) {
	if k <= 0 {
		return last, nil
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT coalesce(min(id), $3) FROM (
			SELECT id FROM items
			WHERE `+eligibleWhere+` AND id <= $3
			ORDER BY id DESC LIMIT $4
		) rewind
	`, minScore, minComments, last, k).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("rewinding eligible stories: %w", err)
	}
	return id, nil
}

// IsEligibleStory reports whether id currently satisfies the embedding
// eligibility predicate.
func (s *Store) IsEligibleStory(ctx context.Context, id, minScore, minComments int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM items WHERE `+eligibleWhere+` AND id = $3)
	`, minScore, minComments, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking story %d eligibility: %w", id, err)
	}
	return ok, nil
}

// StoryComments returns the full discussion tree below storyID, every
// node with its parent, display position and depth. Filtering of dead
// or empty comments is left to the document builder.
func (s *Store) StoryComments(ctx context.Context, storyID int64) ([]Comment, error) {
	if storyID <= 0 {
		return nil, fmt.Errorf("story id must be positive")
	}
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE thread(id, parent, text, display_order, depth, deleted, dead) AS (
			SELECT i.id, i.parent, i.text, k.display_order, 1::bigint, i.deleted, i.dead
			FROM kids k JOIN items i ON i.id = k.kid
			WHERE k.item = $1
			UNION ALL
			SELECT i.id, i.parent, i.text, k.display_order, t.depth + 1, i.deleted, i.dead
			FROM thread t
			JOIN kids k ON k.item = t.id
			JOIN items i ON i.id = k.kid
			WHERE t.depth < $2
		)
		SELECT id, parent, text, display_order, depth, deleted, dead
		FROM thread ORDER BY depth, parent, display_order
	`, storyID, maxWalkDepth)
	if err != nil {
		return nil, fmt.Errorf("fetching comments of story %d: %w", storyID, err)
	}
	defer rows.Close()
	var out []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.Parent, &c.Text, &c.Order, &c.Depth, &c.Deleted, &c.Dead); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FilterCandidates intersects candidate story ids with the filters.
// A score or time sort orders the result here; relevance sorting keeps
// the caller's order, so no ORDER BY is applied.
func (s *Store) FilterCandidates(ctx context.Context, ids []int64, f Filters, sort Sort) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	where := "WHERE id = ANY($1)"
	args := []any{ids}
	argN := 2
	add := func(clause string, v any) {
		where += fmt.Sprintf(" AND "+clause, argN)
		args = append(args, v)
		argN++
	}
	if strings.TrimSpace(f.By) != "" {
		add(`"by" = $%d`, f.By)
	}
	if f.After > 0 {
		add("time >= $%d", f.After)
	}
	if f.Before > 0 {
		add("time <= $%d", f.Before)
	}
	if f.MinScore > 0 {
		add("score >= $%d", f.MinScore)
	}
	if f.MaxScore >= 0 {
		add("score <= $%d", f.MaxScore)
	}
	if f.MinComments > 0 {
		add("descendants >= $%d", f.MinComments)
	}
	if f.MaxComments >= 0 {
		add("descendants <= $%d", f.MaxComments)
	}

	order := ""
	dir := "DESC"
	if sort.Ascending {
		dir = "ASC"
	}
	switch sort.By {
	case SortScore:
		order = " ORDER BY score " + dir + ", id"
	case SortTime:
		order = " ORDER BY time " + dir + ", id"
	case SortRelevance, "":
	default:
		return nil, fmt.Errorf("unknown sort field %q", sort.By)
	}

	rows, err := s.pool.Query(ctx, "SELECT id FROM items "+where+order, args...)
	if err != nil {
		return nil, fmt.Errorf("filtering candidates: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
