package ir

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Args holds the runtime parameters of an activity.
// Values are JSON-compatible (string, bool, json.Number/float64/int, []any, map[string]any).
type Args map[string]any

// Reserved argument keys read by the orchestrator itself.
const (
	ArgHarmonize        = "harmonize"
	ArgSkipFirstPublish = "skip_first_publish"
	ArgFile             = "file"
	ArgCompressedFile   = "compressed_file"
	ArgProviderID       = "provider_id"
	ArgAssets           = "assets"
	ArgCorrectionTarget = "correction_collection_id"
	ArgHarmonizeTarget  = "harmonization_collection_id"
	ArgSkipCollectionID = "skip_collection_id"
	ArgCatalog          = "catalog"
	ArgDataset          = "dataset"
	ArgCloudCover       = "cloud"
)

// Clone returns a shallow copy. A nil receiver yields an empty map.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Merge returns the union of a and other; keys in other win on conflict.
// Neither input is modified, and no key of a is ever dropped.
func (a Args) Merge(other Args) Args {
	out := a.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Keys returns the keys of a in canonical order.
func (a Args) Keys() []string {
	return sortedKeys(a)
}

// String returns the value of key as a string and whether it was present.
func (a Args) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	default:
		return "", false
	}
}

// Bool interprets key as a flag. Accepted truthy values: true, "true", "1",
// "yes" and any non-zero number. Missing keys are false.
func (a Args) Bool(key string) bool {
	v, ok := a[key]
	if !ok || v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "y", "on":
			return true
		}
		return false
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	default:
		return false
	}
}

// Int64 interprets key as an integer.
func (a Args) Int64(key string) (int64, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int64:
		return val, true
	case float64:
		if val == float64(int64(val)) {
			return int64(val), true
		}
		return 0, false
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Without returns a copy of a with the given keys removed. Used only for
// building successor payloads; stored activity args are never shrunk.
func (a Args) Without(keys ...string) Args {
	out := a.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
