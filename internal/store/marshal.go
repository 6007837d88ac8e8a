package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/scenepipe/internal/ir"
)

// marshalArgs converts Args to canonical JSON TEXT for storage.
// Canonical form keeps the stored text stable across merges that do not
// change any value.
func marshalArgs(args ir.Args) (string, error) {
	if args == nil {
		args = ir.Args{}
	}
	data, err := ir.MarshalCanonical(args)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}
	return string(data), nil
}

// unmarshalArgs parses stored args. Numbers decode as json.Number to avoid
// float64 precision loss on large integer ids.
func unmarshalArgs(data string) (ir.Args, error) {
	if data == "" || data == "{}" {
		return ir.Args{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var args ir.Args
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	return args, nil
}

// marshalTags stores tags as a sorted, de-duplicated JSON array.
func marshalTags(tags []string) (string, error) {
	data, err := json.Marshal(ir.NormalizeTags(tags))
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(data), nil
}

func unmarshalTags(data string) ([]string, error) {
	tags := []string{}
	if data == "" || data == "[]" {
		return tags, nil
	}
	if err := json.Unmarshal([]byte(data), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return tags, nil
}

// marshalEnvironment converts an environment snapshot to JSON TEXT.
// encoding/json sorts map keys, which keeps the column deterministic.
func marshalEnvironment(env map[string]string) (string, error) {
	if len(env) == 0 {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return "", fmt.Errorf("marshal environment: %w", err)
	}
	return string(bytes.TrimSpace(buf.Bytes())), nil
}

func unmarshalEnvironment(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var env map[string]string
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("unmarshal environment: %w", err)
	}
	return env, nil
}
