package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	payload := `{"activity_type":"acquire","collection_id":7,"scene_id":"X1","args":{"cloud":20,"harmonize":true},"plan":{"route":"table/download","node":0}}`

	m, err := DecodeMessage([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, ActivityDownload, m.ActivityType)
	assert.Equal(t, int64(7), m.CollectionID)
	assert.Equal(t, json.Number("20"), m.Args["cloud"])
	assert.Equal(t, TableRoute(ActivityDownload), m.Plan.Route)
	assert.Equal(t, ActivityKey{CollectionID: 7, Type: ActivityDownload, SceneID: "X1"}, m.Key())
}

func TestDecodeMessageErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		kind    ErrorKind
	}{
		{"not json", `{`, ValidationError},
		{"unknown type", `{"activity_type":"render","collection_id":1,"scene_id":"X"}`, ConfigurationError},
		{"missing scene", `{"activity_type":"publish","collection_id":1}`, ValidationError},
		{"bad collection", `{"activity_type":"publish","collection_id":0,"scene_id":"X"}`, ValidationError},
		{"bad route", `{"activity_type":"publish","collection_id":1,"scene_id":"X","plan":{"route":"dag/1","node":0}}`, ValidationError},
		{"negative node", `{"activity_type":"publish","collection_id":1,"scene_id":"X","plan":{"route":"table/publish","node":-1}}`, ValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.payload))
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	m := TaskMessage{
		ActivityType:     ActivityHarmonization,
		CollectionID:     12,
		SceneID:          "S2A_X",
		Args:             Args{"file": "/data/x.tif"},
		Plan:             &PlanCursor{Route: SpecRoute("abc"), Node: 3},
		ParentActivityID: 4,
	}
	data, err := EncodeMessage(m)
	require.NoError(t, err)

	back, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}
