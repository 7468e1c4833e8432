package storage

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGRPCEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{name: "http url", raw: "http://localhost:6334", wantHost: "localhost", wantPort: 6334},
		{name: "default port", raw: "http://qdrant.internal", wantHost: "qdrant.internal", wantPort: 6334},
		{name: "custom port", raw: "http://10.0.0.5:7000", wantHost: "10.0.0.5", wantPort: 7000},
		{name: "bad port", raw: "http://host:notaport", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := parseGRPCEndpoint(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestBuildFilter(t *testing.T) {
	t.Run("nil for empty filters", func(t *testing.T) {
		assert.Nil(t, buildFilter(nil))
		assert.Nil(t, buildFilter(map[string]any{}))
	})

	t.Run("typed conditions", func(t *testing.T) {
		f := buildFilter(map[string]any{
			"session_id": "sess-1",
			"turn_id":    42,
			"archived":   false,
		})
		require.NotNil(t, f)
		assert.Len(t, f.Must, 3)
	})
}

func TestPayloadRoundTrip(t *testing.T) {
	payload, err := qdrant.TryValueMap(map[string]any{
		"episode_id": "ep-1",
		"importance": 0.75,
		"fact_count": int64(4),
		"topics":     []any{"delivery", "scheduling"},
	})
	require.NoError(t, err)

	back := payloadToMap(payload)
	assert.Equal(t, "ep-1", back["episode_id"])
	assert.Equal(t, 0.75, back["importance"])
	assert.Equal(t, int64(4), back["fact_count"])
	assert.Equal(t, []any{"delivery", "scheduling"}, back["topics"])
}

func TestPayloadToMapEmpty(t *testing.T) {
	assert.Nil(t, payloadToMap(nil))
}
