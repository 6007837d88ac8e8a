package ir

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"bool true", true, "true"},
		{"null", nil, "null"},
		{"integral float", float64(7), "7"},
		{"fractional float", 12.5, "12.5"},
		{"json number int", json.Number("17"), "17"},
		{"json number float", json.Number("0.25"), "0.25"},
		{"activity type", ActivityPublish, `"publish"`},
		{"empty array", []any{}, "[]"},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
		{"empty args", Args{}, "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	args := Args{
		"zebra": 1,
		"alpha": map[string]any{"b": 1, "a": 2},
		"beta":  []any{"x", true},
	}

	result, err := MarshalCanonical(args)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":2,"b":1},"beta":["x",true],"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16Order(t *testing.T) {
	// U+E000 sorts before U+1F600 in UTF-8 but after it in UTF-16.
	obj := map[string]any{"\uE000": 1, "\U0001F600": 2}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uE000\":1}", string(result))
}

func TestMarshalCanonicalEscaping(t *testing.T) {
	result, err := MarshalCanonical("a<b>&\"c\"\\\n\x01 ")
	require.NoError(t, err)
	assert.Equal(t, "\"a<b>&\\\"c\\\"\\\\\\n\\u0001 \"", string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	composed, err := MarshalCanonical("\u00e9")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonicalRejects(t *testing.T) {
	_, err := MarshalCanonical(math.NaN())
	assert.Error(t, err)

	_, err = MarshalCanonical(Args{"bad": math.Inf(1)})
	assert.Error(t, err)

	_, err = MarshalCanonical(struct{}{})
	assert.Error(t, err)

	_, err = MarshalCanonical("\xff")
	assert.Error(t, err)
}

func TestDigestsAreStable(t *testing.T) {
	a := Args{"harmonize": true, "cloud": 20}
	b := Args{"cloud": json.Number("20"), "harmonize": true}

	assert.Equal(t, MustArgsDigest(a), MustArgsDigest(b))
	assert.NotEqual(t, MustArgsDigest(a), MustArgsDigest(Args{"harmonize": false, "cloud": 20}))
	assert.Len(t, MustArgsDigest(a), 64)

	tree := map[string]any{"type": "download", "collection": 7}
	d1, err := TaskSpecDigest(tree)
	require.NoError(t, err)
	d2, err := TaskSpecDigest(map[string]any{"collection": 7, "type": "download"})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	// Domain separation: the same bytes under a different domain differ.
	assert.NotEqual(t, hashWithDomain(DomainArgs, []byte("{}")), hashWithDomain(DomainTaskSpec, []byte("{}")))
}
