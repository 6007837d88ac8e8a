package store

import (
	"context"
	"fmt"

	"github.com/roach88/scenepipe/internal/ir"
)

// Link records that child was derived from parent. Linking the same pair
// twice is a no-op. An edge that would close a cycle, including a self
// edge, is rejected with a ValidationError.
func (q *Queries) Link(ctx context.Context, parentID, childID int64) error {
	if parentID == childID {
		return ir.Invalid("activity %d cannot be linked to itself", parentID)
	}
	return q.atomic(ctx, func(tx querier) error {
		// Adding parent->child closes a cycle iff parent is reachable from child.
		var found int
		err := tx.QueryRowContext(ctx, `
			WITH RECURSIVE reach(id) AS (
				SELECT child_id FROM activity_links WHERE parent_id = ?
				UNION
				SELECT l.child_id FROM activity_links l JOIN reach r ON l.parent_id = r.id
			)
			SELECT COUNT(*) FROM reach WHERE id = ?
		`, childID, parentID).Scan(&found)
		if err != nil {
			return fmt.Errorf("link %d -> %d: %w", parentID, childID, classify(err))
		}
		if found > 0 {
			return ir.Invalid("link %d -> %d would create a cycle", parentID, childID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO activity_links (parent_id, child_id)
			VALUES (?, ?)
			ON CONFLICT(parent_id, child_id) DO NOTHING
		`, parentID, childID)
		if err != nil {
			return fmt.Errorf("link %d -> %d: %w", parentID, childID, classify(err))
		}
		return nil
	})
}

// Parents returns the ids of activities that activityID was derived from.
func (q *Queries) Parents(ctx context.Context, activityID int64) ([]int64, error) {
	return q.linkedIDs(ctx, `SELECT parent_id FROM activity_links WHERE child_id = ? ORDER BY parent_id`, activityID)
}

// Children returns the ids of activities derived from activityID.
func (q *Queries) Children(ctx context.Context, activityID int64) ([]int64, error) {
	return q.linkedIDs(ctx, `SELECT child_id FROM activity_links WHERE parent_id = ? ORDER BY child_id`, activityID)
}

// Links returns every edge touching one of ids. Used by listing views.
func (q *Queries) Links(ctx context.Context, ids []int64) ([]ir.ActivityLink, error) {
	links := []ir.ActivityLink{}
	if len(ids) == 0 {
		return links, nil
	}
	args := make([]any, 0, 2*len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, args...)
	rows, err := q.q.QueryContext(ctx, `
		SELECT parent_id, child_id FROM activity_links
		WHERE parent_id IN (`+placeholders(len(ids))+`) OR child_id IN (`+placeholders(len(ids))+`)
		ORDER BY parent_id, child_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("links: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var l ir.ActivityLink
		if err := rows.Scan(&l.ParentID, &l.ChildID); err != nil {
			return nil, fmt.Errorf("links: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (q *Queries) linkedIDs(ctx context.Context, query string, id int64) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("linked activities of %d: %w", id, classify(err))
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var linked int64
		if err := rows.Scan(&linked); err != nil {
			return nil, fmt.Errorf("linked activities of %d: %w", id, err)
		}
		ids = append(ids, linked)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return ids, nil
}
