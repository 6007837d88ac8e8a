package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/scenepipe/internal/ir"
)

// UpsertAccount declares an account in a lock pool. Re-declaring updates
// the secret and capacity but never touches the live usage counter.
// Lowering capacity below current usage is rejected by the schema.
func (q *Queries) UpsertAccount(ctx context.Context, acct ir.ResourceAccount) error {
	if acct.Pool == "" || acct.Name == "" || acct.Capacity <= 0 {
		return ir.Invalid("account needs pool, name and a positive capacity")
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO resource_accounts (pool, name, secret, capacity, in_use)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(pool, name) DO UPDATE SET secret = excluded.secret, capacity = excluded.capacity
	`, acct.Pool, acct.Name, acct.Secret, acct.Capacity)
	if err != nil {
		return fmt.Errorf("upsert account %s/%s: %w", acct.Pool, acct.Name, classify(err))
	}
	return nil
}

// Accounts lists the accounts of a pool with their live usage.
func (q *Queries) Accounts(ctx context.Context, pool string) ([]ir.ResourceAccount, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT pool, name, secret, capacity, in_use FROM resource_accounts
		WHERE pool = ? ORDER BY name
	`, pool)
	if err != nil {
		return nil, fmt.Errorf("accounts of pool %s: %w", pool, classify(err))
	}
	defer rows.Close()

	accounts := []ir.ResourceAccount{}
	for rows.Next() {
		var a ir.ResourceAccount
		if err := rows.Scan(&a.Pool, &a.Name, &a.Secret, &a.Capacity, &a.InUse); err != nil {
			return nil, fmt.Errorf("accounts of pool %s: %w", pool, err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// TryLockMutex takes the named cross-process mutex as a lease until
// now+ttl. It succeeds when the mutex is free, expired, or already held by
// holder (which renews it).
func (q *Queries) TryLockMutex(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := q.now()
	result, err := q.q.ExecContext(ctx, `
		INSERT INTO resource_mutex (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE resource_mutex.expires_at <= ? OR resource_mutex.holder = excluded.holder
	`, name, holder, toMicros(now.Add(ttl)), toMicros(now))
	if err != nil {
		return false, fmt.Errorf("lock mutex %s: %w", name, classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock mutex %s: %w", name, err)
	}
	return n > 0, nil
}

// UnlockMutex releases the mutex if holder still owns it.
func (q *Queries) UnlockMutex(ctx context.Context, name, holder string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM resource_mutex WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("unlock mutex %s: %w", name, classify(err))
	}
	return nil
}

// ForceClearMutex deletes the mutex regardless of owner and returns the
// holder that was evicted, if any.
func (q *Queries) ForceClearMutex(ctx context.Context, name string) (string, error) {
	var evicted string
	err := q.atomic(ctx, func(tx querier) error {
		err := tx.QueryRowContext(ctx, `SELECT holder FROM resource_mutex WHERE name = ?`, name).Scan(&evicted)
		if err != nil && classify(err) != ErrNotFound {
			return classify(err)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM resource_mutex WHERE name = ?`, name)
		return classify(err)
	})
	if err != nil {
		return "", fmt.Errorf("force clear mutex %s: %w", name, err)
	}
	return evicted, nil
}

// ReserveSlot takes one slot on the least used account of pool that still
// has capacity. ok is false when every account is full.
func (q *Queries) ReserveSlot(ctx context.Context, pool, handleID, holder string, ttl time.Duration) (token ir.LockToken, account ir.ResourceAccount, ok bool, err error) {
	err = q.atomic(ctx, func(tx querier) error {
		err := tx.QueryRowContext(ctx, `
			SELECT pool, name, secret, capacity, in_use FROM resource_accounts
			WHERE pool = ? AND in_use < capacity
			ORDER BY in_use ASC, name ASC
			LIMIT 1
		`, pool).Scan(&account.Pool, &account.Name, &account.Secret, &account.Capacity, &account.InUse)
		if err != nil {
			if classify(err) == ErrNotFound {
				return nil
			}
			return classify(err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE resource_accounts SET in_use = in_use + 1
			WHERE pool = ? AND name = ? AND in_use < capacity
		`, account.Pool, account.Name)
		if err != nil {
			return classify(err)
		}
		if n, err := result.RowsAffected(); err != nil || n == 0 {
			return err
		}

		now := q.now()
		token = ir.LockToken{
			HandleID:   handleID,
			Pool:       account.Pool,
			Account:    account.Name,
			HolderID:   holder,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resource_holds (handle_id, pool, account, holder, acquired_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, token.HandleID, token.Pool, token.Account, token.HolderID,
			toMicros(token.AcquiredAt), toMicros(token.ExpiresAt)); err != nil {
			return classify(err)
		}
		account.InUse++
		ok = true
		return nil
	})
	if err != nil {
		return ir.LockToken{}, ir.ResourceAccount{}, false, fmt.Errorf("reserve slot in pool %s: %w", pool, err)
	}
	if !ok {
		return ir.LockToken{}, ir.ResourceAccount{}, false, nil
	}
	return token, account, true, nil
}

// ReleaseSlot returns the slot held by handleID. Releasing an unknown or
// already released handle reports false and changes nothing.
func (q *Queries) ReleaseSlot(ctx context.Context, handleID string) (bool, error) {
	released := false
	err := q.atomic(ctx, func(tx querier) error {
		var err error
		released, err = releaseHold(ctx, tx, handleID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("release slot %s: %w", handleID, err)
	}
	return released, nil
}

// ReleaseHolder returns every slot owned by holder.
func (q *Queries) ReleaseHolder(ctx context.Context, holder string) (int, error) {
	return q.releaseWhere(ctx, `SELECT handle_id FROM resource_holds WHERE holder = ?`, holder)
}

// ReclaimExpiredHolds returns every slot whose lease expired before now.
func (q *Queries) ReclaimExpiredHolds(ctx context.Context) (int, error) {
	return q.releaseWhere(ctx, `SELECT handle_id FROM resource_holds WHERE expires_at <= ?`, toMicros(q.now()))
}

// RenewHold extends the lease of a held slot.
func (q *Queries) RenewHold(ctx context.Context, handleID string, ttl time.Duration) error {
	_, err := q.q.ExecContext(ctx, `UPDATE resource_holds SET expires_at = ? WHERE handle_id = ?`,
		toMicros(q.now().Add(ttl)), handleID)
	if err != nil {
		return fmt.Errorf("renew hold %s: %w", handleID, classify(err))
	}
	return nil
}

// Holds lists the live holds of a pool.
func (q *Queries) Holds(ctx context.Context, pool string) ([]ir.LockToken, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT handle_id, pool, account, holder, acquired_at, expires_at
		FROM resource_holds WHERE pool = ? ORDER BY acquired_at, handle_id
	`, pool)
	if err != nil {
		return nil, fmt.Errorf("holds of pool %s: %w", pool, classify(err))
	}
	defer rows.Close()

	tokens := []ir.LockToken{}
	for rows.Next() {
		var t ir.LockToken
		var acquired, expires int64
		if err := rows.Scan(&t.HandleID, &t.Pool, &t.Account, &t.HolderID, &acquired, &expires); err != nil {
			return nil, fmt.Errorf("holds of pool %s: %w", pool, err)
		}
		t.AcquiredAt = fromMicros(acquired)
		t.ExpiresAt = fromMicros(expires)
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (q *Queries) releaseWhere(ctx context.Context, query string, arg any) (int, error) {
	count := 0
	err := q.atomic(ctx, func(tx querier) error {
		rows, err := tx.QueryContext(ctx, query, arg)
		if err != nil {
			return classify(err)
		}
		var handles []string
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				rows.Close()
				return err
			}
			handles = append(handles, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, h := range handles {
			released, err := releaseHold(ctx, tx, h)
			if err != nil {
				return err
			}
			if released {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release holds: %w", err)
	}
	return count, nil
}

// releaseHold deletes a hold and decrements its account, only if the hold
// row was actually removed.
func releaseHold(ctx context.Context, tx querier, handleID string) (bool, error) {
	var pool, account string
	err := tx.QueryRowContext(ctx, `SELECT pool, account FROM resource_holds WHERE handle_id = ?`, handleID).Scan(&pool, &account)
	if err != nil {
		if classify(err) == ErrNotFound {
			return false, nil
		}
		return false, classify(err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM resource_holds WHERE handle_id = ?`, handleID)
	if err != nil {
		return false, classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE resource_accounts SET in_use = in_use - 1
		WHERE pool = ? AND name = ? AND in_use > 0
	`, pool, account); err != nil {
		return false, classify(err)
	}
	return true, nil
}
