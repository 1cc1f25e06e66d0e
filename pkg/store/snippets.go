package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
)

// SnippetRow is the persisted shape of an externally-extracted code
// snippet. Extraction itself happens outside this package; the store
// only ever reads and writes this table.
type SnippetRow struct {
	ID             string
	ParentNeuronID string
	Name           string
	Kind           core.SnippetKind
	StartLine      int
	EndLine        int
	Source         string
	Embedding      []float32
	ContentHash    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const snippetCols = `id, parent_neuron_id, name, kind, start_line, end_line, source, embedding, content_hash, created_at, updated_at`

func scanSnippet(row rowScanner) (*SnippetRow, error) {
	var (
		sn                  SnippetRow
		kind                string
		embBytes            []byte
		createdAt, updatedAt string
	)
	if err := row.Scan(&sn.ID, &sn.ParentNeuronID, &sn.Name, &kind, &sn.StartLine, &sn.EndLine, &sn.Source, &embBytes, &sn.ContentHash, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sn.Kind = core.SnippetKind(kind)
	var err error
	if sn.Embedding, err = decodeEmbedding(embBytes); err != nil {
		return nil, err
	}
	if sn.CreatedAt, err = ParseISOTime(createdAt); err != nil {
		return nil, err
	}
	if sn.UpdatedAt, err = ParseISOTime(updatedAt); err != nil {
		return nil, err
	}
	return &sn, nil
}

// UpsertSnippet inserts or replaces a snippet, keyed by id. Re-extraction
// after a file change supplies a new content hash and embedding.
func (s *Store) UpsertSnippet(ctx context.Context, sn *SnippetRow) error {
	embBytes, err := encodeEmbedding(sn.Embedding)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO snippets (id, parent_neuron_id, name, kind, start_line, end_line, source, embedding, content_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name, kind = excluded.kind, start_line = excluded.start_line, end_line = excluded.end_line,
	source = excluded.source, embedding = excluded.embedding, content_hash = excluded.content_hash, updated_at = excluded.updated_at
`
	_, err = s.db.ExecContext(ctx, q, sn.ID, sn.ParentNeuronID, sn.Name, string(sn.Kind), sn.StartLine, sn.EndLine, sn.Source, embBytes, sn.ContentHash, ISOTime(sn.CreatedAt), ISOTime(sn.UpdatedAt))
	return err
}

// SnippetsForParent returns every snippet belonging to a file neuron.
func (s *Store) SnippetsForParent(ctx context.Context, parentNeuronID string) ([]*SnippetRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+snippetCols+` FROM snippets WHERE parent_neuron_id = ?`, parentNeuronID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnippetRows(rows)
}

// SnippetsWithEmbedding returns every snippet carrying an embedding, the
// candidate pool for recall Phase 5's cosine search.
func (s *Store) SnippetsWithEmbedding(ctx context.Context) ([]*SnippetRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+snippetCols+` FROM snippets WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnippetRows(rows)
}

// DeleteSnippetsForParent removes every snippet under a file neuron, used
// before re-extraction replaces them wholesale.
func (s *Store) DeleteSnippetsForParent(ctx context.Context, parentNeuronID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snippets WHERE parent_neuron_id = ?`, parentNeuronID)
	return err
}

func scanSnippetRows(rows *sql.Rows) ([]*SnippetRow, error) {
	var out []*SnippetRow
	for rows.Next() {
		sn, err := scanSnippet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}
