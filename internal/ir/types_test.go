package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActivityType(t *testing.T) {
	tests := []struct {
		input string
		want  ActivityType
	}{
		{"download", ActivityDownload},
		{"Download ", ActivityDownload},
		{"acquire", ActivityDownload},
		{"correction", ActivityCorrection},
		{"atm-correction", ActivityCorrection},
		{"publish", ActivityPublish},
		{"upload", ActivityUpload},
		{"harmonization", ActivityHarmonization},
		{"harmonize", ActivityHarmonization},
		{"post", ActivityPost},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseActivityType(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseActivityTypeUnknown(t *testing.T) {
	_, err := ParseActivityType("quicklook")
	require.Error(t, err)
	assert.Equal(t, ConfigurationError, KindOf(err))

	_, err = ParseActivityType("")
	assert.Error(t, err)
}

func TestActivityTypeRoundTrip(t *testing.T) {
	for _, at := range AllActivityTypes() {
		assert.True(t, at.Valid())
		assert.Equal(t, at.String(), at.Queue())

		data, err := json.Marshal(at)
		require.NoError(t, err)

		var back ActivityType
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, at, back)
	}

	assert.False(t, ActivityUnknown.Valid())
	assert.False(t, ActivityType(99).Valid())
	assert.Equal(t, "ActivityType(99)", ActivityType(99).String())

	_, err := json.Marshal(ActivityUnknown)
	assert.Error(t, err)
}

func TestActivityKeyNormalize(t *testing.T) {
	k := ActivityKey{CollectionID: 7, Type: ActivityDownload, SceneID: "  éX1 "}
	n := k.Normalize()
	assert.Equal(t, "éX1", n.SceneID)
	assert.Equal(t, "7/download/éX1", n.String())
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, NormalizeTags([]string{"b", " a", "", "b"}))
	assert.Empty(t, NormalizeTags(nil))
}
