package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/scenepipe/internal/ir"
)

const activityColumns = `a.id, a.collection_id, a.activity_type, a.scene_id, a.scene_type, a.args, a.tags, a.created_at`

// latestStatusExpr selects the status of the most recently started
// execution of activity a, or NULL when it was never attempted.
const latestStatusExpr = `(
	SELECT e.status FROM executions e
	WHERE e.activity_id = a.id
	ORDER BY e.started_at DESC, e.id DESC
	LIMIT 1
)`

// GetOrCreate returns the Activity for key, inserting it with defaults if it
// does not exist yet. created reports whether this call inserted the row.
//
// Concurrent callers with the same key are arbitrated by the UNIQUE
// constraint: the loser's insert is a no-op and it re-reads the winner's row.
// A conflict is never surfaced as an error.
func (q *Queries) GetOrCreate(ctx context.Context, key ir.ActivityKey, defaults ir.ActivityDefaults) (act ir.Activity, created bool, err error) {
	key = key.Normalize()
	if !key.Type.Valid() {
		return ir.Activity{}, false, ir.Invalid("invalid activity type %d", int(key.Type))
	}
	if key.CollectionID <= 0 || key.SceneID == "" {
		return ir.Activity{}, false, ir.Invalid("invalid activity key %s", key)
	}

	sceneType := defaults.SceneType
	if sceneType == "" {
		sceneType = ir.DefaultSceneType
	}
	argsJSON, err := marshalArgs(defaults.Args)
	if err != nil {
		return ir.Activity{}, false, fmt.Errorf("get or create activity: %w", err)
	}
	tagsJSON, err := marshalTags(defaults.Tags)
	if err != nil {
		return ir.Activity{}, false, fmt.Errorf("get or create activity: %w", err)
	}

	err = q.atomic(ctx, func(tx querier) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO activities
			(collection_id, activity_type, scene_id, scene_type, args, tags, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(collection_id, activity_type, scene_id) DO NOTHING
		`,
			key.CollectionID,
			key.Type.String(),
			key.SceneID,
			sceneType,
			argsJSON,
			tagsJSON,
			toMicros(q.now()),
		)
		if err != nil {
			return fmt.Errorf("insert: %w", classify(err))
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		created = rowsAffected > 0

		act, err = scanActivity(tx.QueryRowContext(ctx, `
			SELECT `+activityColumns+` FROM activities a
			WHERE a.collection_id = ? AND a.activity_type = ? AND a.scene_id = ?
		`, key.CollectionID, key.Type.String(), key.SceneID))
		if err != nil {
			return fmt.Errorf("select existing: %w", err)
		}
		return nil
	})
	if err != nil {
		return ir.Activity{}, false, fmt.Errorf("get or create activity %s: %w", key, err)
	}
	return act, created, nil
}

// MergeArgs merges newArgs into the stored args of an activity (union, new
// keys win) and returns the updated Activity. Keys are never removed.
func (q *Queries) MergeArgs(ctx context.Context, activityID int64, newArgs ir.Args) (ir.Activity, error) {
	var act ir.Activity
	err := q.atomic(ctx, func(tx querier) error {
		current, err := scanActivity(tx.QueryRowContext(ctx, `
			SELECT `+activityColumns+` FROM activities a WHERE a.id = ?
		`, activityID))
		if err != nil {
			return err
		}
		if len(newArgs) == 0 {
			act = current
			return nil
		}

		current.Args = current.Args.Merge(newArgs)
		argsJSON, err := marshalArgs(current.Args)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE activities SET args = ? WHERE id = ?`, argsJSON, activityID); err != nil {
			return classify(err)
		}
		act = current
		return nil
	})
	if err != nil {
		return ir.Activity{}, fmt.Errorf("merge args for activity %d: %w", activityID, err)
	}
	return act, nil
}

// AddTags adds tags to an activity's tag set.
func (q *Queries) AddTags(ctx context.Context, activityID int64, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	return q.atomic(ctx, func(tx querier) error {
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT tags FROM activities WHERE id = ?`, activityID).Scan(&raw); err != nil {
			return fmt.Errorf("add tags to activity %d: %w", activityID, classify(err))
		}
		existing, err := unmarshalTags(raw)
		if err != nil {
			return err
		}
		tagsJSON, err := marshalTags(append(existing, tags...))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE activities SET tags = ? WHERE id = ?`, tagsJSON, activityID); err != nil {
			return fmt.Errorf("add tags to activity %d: %w", activityID, classify(err))
		}
		return nil
	})
}

// GetActivity retrieves an activity by id.
// Returns ErrNotFound if it does not exist.
func (q *Queries) GetActivity(ctx context.Context, id int64) (ir.Activity, error) {
	act, err := scanActivity(q.q.QueryRowContext(ctx, `
		SELECT `+activityColumns+` FROM activities a WHERE a.id = ?
	`, id))
	if err != nil {
		return ir.Activity{}, fmt.Errorf("get activity %d: %w", id, err)
	}
	return act, nil
}

// LookupActivity retrieves an activity by its identity key.
// Returns ErrNotFound if it does not exist.
func (q *Queries) LookupActivity(ctx context.Context, key ir.ActivityKey) (ir.Activity, error) {
	key = key.Normalize()
	act, err := scanActivity(q.q.QueryRowContext(ctx, `
		SELECT `+activityColumns+` FROM activities a
		WHERE a.collection_id = ? AND a.activity_type = ? AND a.scene_id = ?
	`, key.CollectionID, key.Type.String(), key.SceneID))
	if err != nil {
		return ir.Activity{}, fmt.Errorf("lookup activity %s: %w", key, err)
	}
	return act, nil
}

// ActivityFilter selects activities for listing, counting and restart.
// Zero-valued fields do not filter.
type ActivityFilter struct {
	IDs          []int64
	SceneIDs     []string
	CollectionID int64
	// TypeContains matches activity types by substring ("harmon").
	TypeContains  string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	// LastStatus matches the status of the most recent execution.
	// StatusPending also matches activities that were never attempted.
	LastStatus []ir.Status
	Limit      int
	Offset     int
}

// Empty reports whether no selecting field is set.
func (f ActivityFilter) Empty() bool {
	return len(f.IDs) == 0 && len(f.SceneIDs) == 0 && f.CollectionID == 0 &&
		f.TypeContains == "" && f.CreatedAfter.IsZero() && f.CreatedBefore.IsZero() &&
		len(f.LastStatus) == 0
}

// where renders the filter as a WHERE clause over alias a.
func (f ActivityFilter) where() (string, []any) {
	var conds []string
	var args []any

	if len(f.IDs) > 0 {
		conds = append(conds, "a.id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.SceneIDs) > 0 {
		conds = append(conds, "a.scene_id IN ("+placeholders(len(f.SceneIDs))+")")
		for _, id := range f.SceneIDs {
			args = append(args, ir.ActivityKey{SceneID: id}.Normalize().SceneID)
		}
	}
	if f.CollectionID != 0 {
		conds = append(conds, "a.collection_id = ?")
		args = append(args, f.CollectionID)
	}
	if f.TypeContains != "" {
		conds = append(conds, "instr(a.activity_type, ?) > 0")
		args = append(args, strings.ToLower(f.TypeContains))
	}
	if !f.CreatedAfter.IsZero() {
		conds = append(conds, "a.created_at >= ?")
		args = append(args, toMicros(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "a.created_at < ?")
		args = append(args, toMicros(f.CreatedBefore))
	}
	if len(f.LastStatus) > 0 {
		cond := "COALESCE(" + latestStatusExpr + ", 'pending') IN (" + placeholders(len(f.LastStatus)) + ")"
		conds = append(conds, cond)
		for _, st := range f.LastStatus {
			args = append(args, string(st))
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Find returns the activities matching filter, ordered by id.
// Returns an empty slice (not nil) when nothing matches.
func (q *Queries) Find(ctx context.Context, filter ActivityFilter) ([]ir.Activity, error) {
	where, args := filter.where()
	query := `SELECT ` + activityColumns + ` FROM activities a` + where + ` ORDER BY a.id ASC`
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find activities: %w", classify(err))
	}
	defer rows.Close()

	activities := []ir.Activity{}
	for rows.Next() {
		act, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("find activities: %w", err)
		}
		activities = append(activities, act)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return activities, nil
}

// CountByStatus groups the matching activities by the status of their most
// recent execution. Never-attempted activities count as pending.
func (q *Queries) CountByStatus(ctx context.Context, filter ActivityFilter) (map[ir.Status]int, error) {
	where, args := filter.where()
	rows, err := q.q.QueryContext(ctx, `
		SELECT COALESCE(`+latestStatusExpr+`, 'pending') AS status, COUNT(*)
		FROM activities a`+where+`
		GROUP BY status
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("count activities: %w", classify(err))
	}
	defer rows.Close()

	counts := map[ir.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count activities: %w", err)
		}
		counts[ir.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// CountUnsuccessful counts matching activities whose most recent execution
// is not a success, including those never attempted.
func (q *Queries) CountUnsuccessful(ctx context.Context, filter ActivityFilter) (int, error) {
	counts, err := q.CountByStatus(ctx, filter)
	if err != nil {
		return 0, err
	}
	total := 0
	for status, n := range counts {
		if status != ir.StatusSuccess {
			total += n
		}
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (ir.Activity, error) {
	var (
		act       ir.Activity
		typeName  string
		argsJSON  string
		tagsJSON  string
		createdAt int64
	)
	err := row.Scan(&act.ID, &act.CollectionID, &typeName, &act.SceneID, &act.SceneType, &argsJSON, &tagsJSON, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ir.Activity{}, ErrNotFound
		}
		return ir.Activity{}, classify(err)
	}

	act.Type, err = ir.ParseActivityType(typeName)
	if err != nil {
		return ir.Activity{}, err
	}
	if act.Args, err = unmarshalArgs(argsJSON); err != nil {
		return ir.Activity{}, err
	}
	if act.Tags, err = unmarshalTags(tagsJSON); err != nil {
		return ir.Activity{}, err
	}
	act.CreatedAt = fromMicros(createdAt)
	return act, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
