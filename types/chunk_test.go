package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunk_MirrorsMessage(t *testing.T) {
	c := NewChunk("hello")

	require.NotNil(t, c.Message)
	assert.Equal(t, "hello", c.Text)
	assert.Equal(t, "hello", c.Message.Content)
	assert.Equal(t, RoleAssistant, c.Message.Role)
}

func TestTextChunk_NoMirror(t *testing.T) {
	c := TextChunk("bare")
	assert.Equal(t, "bare", c.Text)
	assert.Nil(t, c.Message)
}

func TestChunk_SetText(t *testing.T) {
	tests := []struct {
		name  string
		chunk Chunk
	}{
		{name: "with mirror", chunk: NewChunk("before")},
		{name: "without mirror", chunk: TextChunk("before")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.chunk.SetText("after")
			assert.Equal(t, "after", tt.chunk.Text)
			if tt.chunk.Message != nil {
				assert.Equal(t, "after", tt.chunk.Message.Content)
			}
		})
	}
}
