package store

import (
	"context"
	"fmt"

	"github.com/roach88/scenepipe/internal/ir"
)

// BindProvider creates or updates the binding of a provider to a
// collection. Updating keeps the original insertion sequence, so priority
// ties stay broken by when the binding was first created.
func (q *Queries) BindProvider(ctx context.Context, b ir.ProviderBinding) (ir.ProviderBinding, error) {
	if b.ProviderID == "" || b.CollectionID <= 0 {
		return ir.ProviderBinding{}, ir.Invalid("provider binding needs provider_id and collection_id")
	}
	var out ir.ProviderBinding
	err := q.atomic(ctx, func(tx querier) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO provider_bindings (provider_id, collection_id, priority, active, pool)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(provider_id, collection_id)
			DO UPDATE SET priority = excluded.priority, active = excluded.active, pool = excluded.pool
		`, b.ProviderID, b.CollectionID, b.Priority, b.Active, b.Pool)
		if err != nil {
			return classify(err)
		}
		out, err = scanBinding(tx.QueryRowContext(ctx, `
			SELECT id, provider_id, collection_id, priority, active, pool
			FROM provider_bindings WHERE provider_id = ? AND collection_id = ?
		`, b.ProviderID, b.CollectionID))
		return err
	})
	if err != nil {
		return ir.ProviderBinding{}, fmt.Errorf("bind provider %s to collection %d: %w", b.ProviderID, b.CollectionID, err)
	}
	return out, nil
}

// SetProviderActive toggles a binding. Returns ErrNotFound if absent.
func (q *Queries) SetProviderActive(ctx context.Context, providerID string, collectionID int64, active bool) error {
	result, err := q.q.ExecContext(ctx, `
		UPDATE provider_bindings SET active = ? WHERE provider_id = ? AND collection_id = ?
	`, active, providerID, collectionID)
	if err != nil {
		return fmt.Errorf("set provider %s active: %w", providerID, classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set provider %s active: %w", providerID, err)
	}
	if n == 0 {
		return fmt.Errorf("set provider %s active: %w", providerID, ErrNotFound)
	}
	return nil
}

// ProviderBindings returns the bindings of a collection ordered by priority
// ascending, ties broken by insertion order. Inactive bindings are omitted
// unless includeInactive is set.
func (q *Queries) ProviderBindings(ctx context.Context, collectionID int64, includeInactive bool) ([]ir.ProviderBinding, error) {
	query := `
		SELECT id, provider_id, collection_id, priority, active, pool
		FROM provider_bindings
		WHERE collection_id = ?`
	if !includeInactive {
		query += ` AND active = 1`
	}
	query += ` ORDER BY priority ASC, id ASC`

	rows, err := q.q.QueryContext(ctx, query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("provider bindings for collection %d: %w", collectionID, classify(err))
	}
	defer rows.Close()

	bindings := []ir.ProviderBinding{}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("provider bindings for collection %d: %w", collectionID, err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider bindings: %w", err)
	}
	return bindings, nil
}

func scanBinding(row rowScanner) (ir.ProviderBinding, error) {
	var b ir.ProviderBinding
	if err := row.Scan(&b.ID, &b.ProviderID, &b.CollectionID, &b.Priority, &b.Active, &b.Pool); err != nil {
		return ir.ProviderBinding{}, classify(err)
	}
	b.Seq = b.ID
	return b, nil
}

// SavePipeline stores a task-spec tree under its digest. Saving the same
// digest twice is a no-op.
func (q *Queries) SavePipeline(ctx context.Context, digest string, spec []byte) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO pipelines (digest, spec, created_at) VALUES (?, ?, ?)
		ON CONFLICT(digest) DO NOTHING
	`, digest, string(spec), toMicros(q.now()))
	if err != nil {
		return fmt.Errorf("save pipeline %s: %w", digest, classify(err))
	}
	return nil
}

// LoadPipeline returns the stored task-spec tree for digest.
func (q *Queries) LoadPipeline(ctx context.Context, digest string) ([]byte, error) {
	var spec string
	if err := q.q.QueryRowContext(ctx, `SELECT spec FROM pipelines WHERE digest = ?`, digest).Scan(&spec); err != nil {
		return nil, fmt.Errorf("load pipeline %s: %w", digest, classify(err))
	}
	return []byte(spec), nil
}
