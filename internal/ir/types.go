package ir

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ActivityType identifies a pipeline stage.
// Each type maps to exactly one queue and one stage body.
type ActivityType int

const (
	// ActivityUnknown is the zero value and is never valid.
	ActivityUnknown ActivityType = iota
	// ActivityDownload acquires the raw scene from a data provider.
	ActivityDownload
	// ActivityCorrection runs radiometric (atmospheric) correction.
	ActivityCorrection
	// ActivityPublish publishes catalog metadata and derived assets.
	ActivityPublish
	// ActivityUpload replicates published assets to remote storage.
	ActivityUpload
	// ActivityHarmonization runs band harmonization (NBAR).
	ActivityHarmonization
	// ActivityPost runs post-processing (quality masks, indices).
	ActivityPost
)

var activityNames = [...]string{
	ActivityUnknown:       "",
	ActivityDownload:      "download",
	ActivityCorrection:    "correction",
	ActivityPublish:       "publish",
	ActivityUpload:        "upload",
	ActivityHarmonization: "harmonization",
	ActivityPost:          "post",
}

// activityAliases accepts the legacy names used by older dispatch payloads.
var activityAliases = map[string]ActivityType{
	"acquire":        ActivityDownload,
	"atm-correction": ActivityCorrection,
	"harmonize":      ActivityHarmonization,
}

// AllActivityTypes returns every valid activity type in declaration order.
func AllActivityTypes() []ActivityType {
	return []ActivityType{
		ActivityDownload,
		ActivityCorrection,
		ActivityPublish,
		ActivityUpload,
		ActivityHarmonization,
		ActivityPost,
	}
}

// String returns the canonical name ("download", "publish", ...).
func (t ActivityType) String() string {
	if t < 0 || int(t) >= len(activityNames) {
		return fmt.Sprintf("ActivityType(%d)", int(t))
	}
	return activityNames[t]
}

// Valid reports whether t is one of the declared stages.
func (t ActivityType) Valid() bool {
	return t > ActivityUnknown && int(t) < len(activityNames)
}

// Queue returns the name of the queue consumed by this stage's workers.
func (t ActivityType) Queue() string {
	return t.String()
}

// ParseActivityType resolves a name or legacy alias to an ActivityType.
// Unknown names return a ConfigurationError.
func ParseActivityType(s string) (ActivityType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range activityNames {
		if n != "" && n == name {
			return ActivityType(i), nil
		}
	}
	if t, ok := activityAliases[name]; ok {
		return t, nil
	}
	return ActivityUnknown, NewError(ConfigurationError, fmt.Sprintf("unknown activity type %q", s), nil)
}

// MarshalText implements encoding.TextMarshaler.
func (t ActivityType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, NewError(ValidationError, fmt.Sprintf("invalid activity type %d", int(t)), nil)
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ActivityType) UnmarshalText(text []byte) error {
	parsed, err := ParseActivityType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ActivityKey is the globally unique identity of an Activity.
type ActivityKey struct {
	CollectionID int64        `json:"collection_id"`
	Type         ActivityType `json:"activity_type"`
	SceneID      string       `json:"scene_id"`
}

// Normalize trims and NFC-normalizes the scene id so that visually
// identical ids map to the same key.
func (k ActivityKey) Normalize() ActivityKey {
	k.SceneID = norm.NFC.String(strings.TrimSpace(k.SceneID))
	return k
}

// String renders the key as "collection/type/scene".
func (k ActivityKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.CollectionID, k.Type, k.SceneID)
}

// Activity is the deduplicated record of "scene S needs stage T of collection C".
type Activity struct {
	ID           int64        `json:"id"`
	CollectionID int64        `json:"collection_id"`
	Type         ActivityType `json:"activity_type"`
	SceneID      string       `json:"scene_id"`
	SceneType    string       `json:"scene_type"`
	Args         Args         `json:"args"`
	Tags         []string     `json:"tags"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Key returns the identity key of the activity.
func (a Activity) Key() ActivityKey {
	return ActivityKey{CollectionID: a.CollectionID, Type: a.Type, SceneID: a.SceneID}
}

// ActivityDefaults holds the values used when GetOrCreate inserts a new row.
type ActivityDefaults struct {
	SceneType string
	Args      Args
	Tags      []string
}

// DefaultSceneType is used when no scene type is supplied.
const DefaultSceneType = "SCENE"

// NormalizeTags returns a sorted, de-duplicated copy of tags with empty
// entries removed.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// ActivityLink records that Child was derived from Parent.
// Links form a DAG; the store rejects edges that would close a cycle.
type ActivityLink struct {
	ParentID int64 `json:"parent_id"`
	ChildID  int64 `json:"child_id"`
}

// ProviderBinding associates a data provider with a collection.
// Bindings are ordered by Priority ascending, ties broken by Seq (insertion order).
type ProviderBinding struct {
	ID           int64  `json:"id"`
	ProviderID   string `json:"provider_id" yaml:"provider_id" validate:"required"`
	CollectionID int64  `json:"collection_id" yaml:"collection_id" validate:"gt=0"`
	Priority     int    `json:"priority" yaml:"priority"`
	Active       bool   `json:"active" yaml:"active"`
	// Pool names the Resource Lock Manager pool guarding this provider's
	// accounts. Empty means the provider is not rate limited.
	Pool string `json:"pool,omitempty" yaml:"pool"`
	Seq  int64  `json:"seq"`
}
