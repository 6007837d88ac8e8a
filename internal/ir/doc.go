// Package ir provides the shared domain types for scenepipe.
//
// This package contains type definitions and small pure helpers only. All
// other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Activity identity is (collection_id, activity_type, scene_id)
//   - ActivityType is a closed enum; unknown strings fail at parse time
//   - Args merges are monotonic: keys may be overwritten, never dropped
//   - ExecutionRecords are immutable once their status is terminal
//   - All JSON tags use snake_case
package ir
