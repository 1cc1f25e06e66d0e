package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/vmihailenco/msgpack/v5"
)

// NeuronRow is the flat, persisted shape of a core.Neuron. The store never
// interprets activation/myelination semantics; it just moves rows.
type NeuronRow struct {
	ID           string
	Type         core.NeuronType
	Path         string
	Activation   float64
	Myelination  float64
	AccessCount  int64
	LastAccessed time.Time
	CreatedAt    time.Time
	Contexts     []string
	Embedding    []float32
	Project      string
	IgnoreStreak int
}

func encodeContexts(ctx []string) ([]byte, error) {
	if ctx == nil {
		ctx = []string{}
	}
	return msgpack.Marshal(ctx)
}

func decodeContexts(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []string
	if err := msgpack.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeEmbedding(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return msgpack.Marshal(v)
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []float32
	if err := msgpack.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertNeuron inserts a new neuron row or, on conflict, updates
// activation/myelination/contexts, increments access_count, and refreshes
// last_accessed.
func (s *Store) UpsertNeuron(ctx context.Context, execer Execer, n *NeuronRow) error {
	ctxBytes, err := encodeContexts(n.Contexts)
	if err != nil {
		return fmt.Errorf("encode contexts: %w", err)
	}
	embBytes, err := encodeEmbedding(n.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}

	const q = `
INSERT INTO neurons (id, type, path, activation, myelination, access_count, last_accessed, created_at, contexts, embedding, project, ignore_streak)
VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	activation = excluded.activation,
	myelination = excluded.myelination,
	contexts = excluded.contexts,
	access_count = neurons.access_count + 1,
	last_accessed = excluded.last_accessed,
	project = CASE WHEN excluded.project != '' THEN excluded.project ELSE neurons.project END,
	embedding = CASE WHEN excluded.embedding IS NOT NULL THEN excluded.embedding ELSE neurons.embedding END
`
	_, err = execer.ExecContext(ctx, q,
		n.ID, string(n.Type), n.Path, n.Activation, n.Myelination,
		ISOTime(n.LastAccessed), ISOTime(n.CreatedAt), ctxBytes, embBytes, n.Project,
	)
	if err != nil {
		return fmt.Errorf("upsert neuron %s: %w", n.ID, err)
	}
	return nil
}

// GetNeuron reads a single neuron by id.
func (s *Store) GetNeuron(ctx context.Context, id string) (*NeuronRow, error) {
	const q = `
SELECT id, type, path, activation, myelination, access_count, last_accessed, created_at, contexts, embedding, project, ignore_streak
FROM neurons WHERE id = ?`
	row := s.db.QueryRowContext(ctx, q, id)
	n, err := scanNeuron(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNeuronNotFound
	}
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNeuron(row rowScanner) (*NeuronRow, error) {
	var (
		n                        NeuronRow
		typeStr                  string
		lastAccessed, createdAt  string
		ctxBytes, embBytes       []byte
	)
	if err := row.Scan(&n.ID, &typeStr, &n.Path, &n.Activation, &n.Myelination, &n.AccessCount,
		&lastAccessed, &createdAt, &ctxBytes, &embBytes, &n.Project, &n.IgnoreStreak); err != nil {
		return nil, err
	}
	n.Type = core.NeuronType(typeStr)
	var err error
	if n.LastAccessed, err = ParseISOTime(lastAccessed); err != nil {
		return nil, err
	}
	if n.CreatedAt, err = ParseISOTime(createdAt); err != nil {
		return nil, err
	}
	if n.Contexts, err = decodeContexts(ctxBytes); err != nil {
		return nil, err
	}
	if n.Embedding, err = decodeEmbedding(embBytes); err != nil {
		return nil, err
	}
	return &n, nil
}

// UpdateNeuronFields applies a direct field write (used by maintenance and
// consolidation, which compute new values themselves rather than going
// through the upsert-with-increment path).
func (s *Store) UpdateNeuronFields(ctx context.Context, execer Execer, id string, activation, myelination float64, ignoreStreak *int) error {
	if ignoreStreak != nil {
		const q = `UPDATE neurons SET activation = ?, myelination = ?, ignore_streak = ? WHERE id = ?`
		_, err := execer.ExecContext(ctx, q, activation, myelination, *ignoreStreak, id)
		return err
	}
	const q = `UPDATE neurons SET activation = ?, myelination = ? WHERE id = ?`
	_, err := execer.ExecContext(ctx, q, activation, myelination, id)
	return err
}

// SetNeuronEmbedding attaches a background-computed embedding vector.
func (s *Store) SetNeuronEmbedding(ctx context.Context, id string, embedding []float32) error {
	b, err := encodeEmbedding(embedding)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE neurons SET embedding = ? WHERE id = ?`, b, id)
	return err
}

// SetNeuronProject tags every neuron under a root path (tag_project).
func (s *Store) SetNeuronProject(ctx context.Context, pathPrefix, project string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE neurons SET project = ? WHERE type = 'file' AND path LIKE ? || '%'`, project, pathPrefix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteNeuron removes a neuron; synapses and snippets referencing it
// cascade via the foreign key constraints declared in the schema.
func (s *Store) DeleteNeuron(ctx context.Context, execer Execer, id string) error {
	_, err := execer.ExecContext(ctx, `DELETE FROM neurons WHERE id = ?`, id)
	return err
}

// ListNeuronsByType returns every neuron of the given type, most recently
// accessed first.
func (s *Store) ListNeuronsByType(ctx context.Context, t core.NeuronType) ([]*NeuronRow, error) {
	const q = `
SELECT id, type, path, activation, myelination, access_count, last_accessed, created_at, contexts, embedding, project, ignore_streak
FROM neurons WHERE type = ? ORDER BY last_accessed DESC`
	rows, err := s.db.QueryContext(ctx, q, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNeuronRows(rows)
}

// ListNeuronsWithEmbedding returns all neurons carrying a stored embedding,
// used by recall Phase 1b's semantic admission pass.
func (s *Store) ListNeuronsWithEmbedding(ctx context.Context, excludeType core.NeuronType) ([]*NeuronRow, error) {
	const q = `
SELECT id, type, path, activation, myelination, access_count, last_accessed, created_at, contexts, embedding, project, ignore_streak
FROM neurons WHERE embedding IS NOT NULL AND type != ?`
	rows, err := s.db.QueryContext(ctx, q, string(excludeType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNeuronRows(rows)
}

// TopMyelinated returns the top-N neurons by myelination for the given type,
// used by recall Phase 3's fallback.
func (s *Store) TopMyelinated(ctx context.Context, t core.NeuronType, limit int) ([]*NeuronRow, error) {
	const q = `
SELECT id, type, path, activation, myelination, access_count, last_accessed, created_at, contexts, embedding, project, ignore_streak
FROM neurons WHERE type = ? ORDER BY myelination DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, string(t), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNeuronRows(rows)
}

// NeuronsByProject filters file neurons tagged to a project.
func (s *Store) NeuronsByProject(ctx context.Context, project string) ([]*NeuronRow, error) {
	const q = `
SELECT id, type, path, activation, myelination, access_count, last_accessed, created_at, contexts, embedding, project, ignore_streak
FROM neurons WHERE project = ? ORDER BY last_accessed DESC`
	rows, err := s.db.QueryContext(ctx, q, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNeuronRows(rows)
}

// AllNeurons returns every neuron, used by maintenance passes that need a
// full scan (homeostasis averages, dead-neuron sweep).
func (s *Store) AllNeurons(ctx context.Context) ([]*NeuronRow, error) {
	const q = `
SELECT id, type, path, activation, myelination, access_count, last_accessed, created_at, contexts, embedding, project, ignore_streak
FROM neurons`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNeuronRows(rows)
}

// PruneDeadNeurons deletes neurons matching the dead-neuron predicate and
// returns the number removed.
func (s *Store) PruneDeadNeurons(ctx context.Context, execer Execer, activationMax, myelinationMax float64, accessMax int64) (int64, error) {
	const q = `DELETE FROM neurons WHERE activation < ? AND myelination < ? AND access_count < ?`
	res, err := execer.ExecContext(ctx, q, activationMax, myelinationMax, accessMax)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneOrphanFiles deletes file neurons with no incident synapses matching
// the orphan-file predicate.
func (s *Store) PruneOrphanFiles(ctx context.Context, execer Execer, accessMax int64, myelinationMax float64) (int64, error) {
	const q = `
DELETE FROM neurons
WHERE type = 'file' AND access_count < ? AND myelination < ?
AND id NOT IN (SELECT source_id FROM synapses UNION SELECT target_id FROM synapses)`
	res, err := execer.ExecContext(ctx, q, accessMax, myelinationMax)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DecayAllNeurons applies multiplicative activation and myelination decay
// to every row in a single statement.
func (s *Store) DecayAllNeurons(ctx context.Context, execer Execer, activationFactor, myelinationFactor float64) error {
	const q = `UPDATE neurons SET activation = activation * ?, myelination = myelination * ?`
	_, err := execer.ExecContext(ctx, q, activationFactor, myelinationFactor)
	return err
}

func scanNeuronRows(rows *sql.Rows) ([]*NeuronRow, error) {
	var out []*NeuronRow
	for rows.Next() {
		n, err := scanNeuron(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Execer is satisfied by both *sql.DB and *sql.Tx, letting every write
// method run either standalone or inside the caller's transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
