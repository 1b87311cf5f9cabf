package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "bare object",
			input: `{"a":1}`,
			want:  `{"a":1}`,
		},
		{
			name:  "fenced with language tag",
			input: "```json\n{\"a\": 1}\n```",
			want:  `{"a": 1}`,
		},
		{
			name:  "fenced without tag",
			input: "```\n{\"a\": 1}\n```",
			want:  `{"a": 1}`,
		},
		{
			name:  "surrounded by prose",
			input: "Here is the plan:\n{\"confidence\": 0.8}\nLet me know.",
			want:  `{"confidence": 0.8}`,
		},
		{
			name:    "no object",
			input:   "I cannot produce a plan for that.",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type plan struct {
		Confidence float64 `json:"confidence"`
	}

	got, err := DecodeJSON[plan]("```json\n{\"confidence\": 0.75}\n```")
	require.NoError(t, err)
	assert.Equal(t, 0.75, got.Confidence)

	_, err = DecodeJSON[plan](`{"confidence": "high"}`)
	assert.Error(t, err)
}

func TestEmbedCache_LRU(t *testing.T) {
	c := NewEmbedCache(2)
	c.Put("m", "a", []float32{1})
	c.Put("m", "b", []float32{2})

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("m", "a")
	require.True(t, ok)

	c.Put("m", "c", []float32{3})

	_, ok = c.Get("m", "b")
	assert.False(t, ok)
	vec, ok := c.Get("m", "a")
	require.True(t, ok)
	assert.Equal(t, []float32{1}, vec)
}

func TestEmbedCache_ModelIsolation(t *testing.T) {
	c := NewEmbedCache(4)
	c.Put("m1", "a", []float32{1})

	_, ok := c.Get("m2", "a")
	assert.False(t, ok)
}
