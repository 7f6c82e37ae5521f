// Package taxonomy keeps the category graph of ingested Q&A records in
// Neo4j: (:MainCategory)-[:HAS_CATEGORY]->(:Category)-[:HAS_QUESTION]->(:Question),
// with questions tagged by (:Keyword) nodes.
package taxonomy

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/echomind/echomind-qa/engine/qa"
)

// CategorySummary is one row of the category listing.
type CategorySummary struct {
	MainCategory string `json:"main_category"`
	Category     string `json:"category"`
	Questions    int64  `json:"questions"`
}

// Store reads and writes the category graph.
type Store struct {
	opener SessionOpener
	closer func(context.Context) error
}

// NewWithOpener builds a Store over an arbitrary session source.
func NewWithOpener(o SessionOpener) *Store {
	return &Store{opener: o}
}

// Close releases the driver when the Store owns one.
func (s *Store) Close(ctx context.Context) error {
	if s.closer == nil {
		return nil
	}
	return s.closer(ctx)
}

var schema = []string{
	`CREATE CONSTRAINT main_category_name IF NOT EXISTS FOR (m:MainCategory) REQUIRE m.name IS UNIQUE`,
	`CREATE CONSTRAINT question_id IF NOT EXISTS FOR (q:Question) REQUIRE q.id IS UNIQUE`,
	`CREATE CONSTRAINT keyword_name IF NOT EXISTS FOR (k:Keyword) REQUIRE k.name IS UNIQUE`,
	`CREATE INDEX category_name IF NOT EXISTS FOR (c:Category) ON (c.main, c.name)`,
}

// EnsureSchema creates constraints and indexes. It is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	for _, stmt := range schema {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("taxonomy: schema: %w", err)
		}
	}
	return nil
}

const saveCypher = `UNWIND $rows AS row
MERGE (m:MainCategory {name: row.main})
MERGE (c:Category {main: row.main, name: row.category})
MERGE (m)-[:HAS_CATEGORY]->(c)
MERGE (q:Question {id: row.id})
SET q.question = row.question, q.original_question = row.original, q.importance = row.importance
MERGE (c)-[:HAS_QUESTION]->(q)
FOREACH (k IN row.keywords | MERGE (kw:Keyword {name: k}) MERGE (q)-[:TAGGED]->(kw))`

// SaveRecords merges records into the graph in one statement.
func (s *Store) SaveRecords(ctx context.Context, records []qa.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(records))
	for i, r := range records {
		m := r.Metadata
		var importance any
		if m.Importance != nil {
			importance = *m.Importance
		}
		keywords := make([]any, len(m.Keywords))
		for j, k := range m.Keywords {
			keywords[j] = k
		}
		rows[i] = map[string]any{
			"id":         r.ID,
			"main":       m.MainCategory,
			"category":   m.Category,
			"question":   m.Question,
			"original":   m.OriginalQuestion,
			"importance": importance,
			"keywords":   keywords,
		}
	}

	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, saveCypher, map[string]any{"rows": rows})
	if err != nil {
		return fmt.Errorf("taxonomy: save %d records: %w", len(records), err)
	}
	for res.Next(ctx) {
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("taxonomy: save %d records: %w", len(records), err)
	}
	return nil
}

const listCypher = `MATCH (m:MainCategory)-[:HAS_CATEGORY]->(c:Category)
OPTIONAL MATCH (c)-[:HAS_QUESTION]->(q:Question)
RETURN m.name AS main, c.name AS category, count(q) AS questions
ORDER BY main, category`

// ListCategories returns every (main category, category) pair with its
// question count, sorted by name.
func (s *Store) ListCategories(ctx context.Context) ([]CategorySummary, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, listCypher, nil)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: list categories: %w", err)
	}

	out := []CategorySummary{}
	for res.Next(ctx) {
		rec := res.Record()
		main, _, err := neo4j.GetRecordValue[string](rec, "main")
		if err != nil {
			return nil, fmt.Errorf("taxonomy: list categories: %w", err)
		}
		cat, _, err := neo4j.GetRecordValue[string](rec, "category")
		if err != nil {
			return nil, fmt.Errorf("taxonomy: list categories: %w", err)
		}
		n, _, err := neo4j.GetRecordValue[int64](rec, "questions")
		if err != nil {
			return nil, fmt.Errorf("taxonomy: list categories: %w", err)
		}
		out = append(out, CategorySummary{MainCategory: main, Category: cat, Questions: n})
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("taxonomy: list categories: %w", err)
	}
	return out, nil
}

// Reset removes every node this package writes.
func (s *Store) Reset(ctx context.Context) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx,
		`MATCH (n) WHERE n:MainCategory OR n:Category OR n:Question OR n:Keyword DETACH DELETE n`, nil)
	if err != nil {
		return fmt.Errorf("taxonomy: reset: %w", err)
	}
	return nil
}
