// Package store provides SQLite-backed durable storage for scenepipe.
//
// The store is the single source of truth shared by every worker process:
//   - Activities: deduplicated (collection, stage, scene) records
//   - Executions: one record per queued job, reused across retries
//   - Activity Links: provenance DAG between activities
//   - Provider Bindings: priority-ordered data sources per collection
//   - Pipelines: content-addressed task-spec trees
//   - Resource accounts, holds and mutex: the lock pool's shared counters
//   - Jobs: the durable stage queues used by the sqlite broker
//
// # Critical Patterns
//
// Uniqueness by constraint:
//   - UNIQUE(collection_id, activity_type, scene_id) on activities
//   - GetOrCreate uses INSERT ... ON CONFLICT DO NOTHING and re-reads
//   - No in-process lock is involved, so separate processes stay consistent
//
// Immutable terminal history:
//   - A trigger rejects updates to executions in success or failure
//
// Bounded pool usage:
//   - CHECK (in_use <= capacity) on resource_accounts
//   - Slots are reserved and released inside a single transaction
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - _txlock=immediate: Writers take the write lock at BEGIN
//   - foreign_keys=ON: Enforce referential integrity
//
// Busy and locked errors are returned as ir.TransientInfra.
package store
