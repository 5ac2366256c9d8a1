package job

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aiondist/fedtune/pkg/errors"
)

func TestJobValidate(t *testing.T) {
	j := Job{Name: "tune-llama", ModelType: "llama-3-8b", TotalChunks: 4}
	assert.NoError(t, j.Validate())

	assert.ErrorIs(t, Job{ModelType: "m", TotalChunks: 1}.Validate(), errors.ErrInvalidData)
	assert.ErrorIs(t, Job{Name: "n", TotalChunks: 1}.Validate(), errors.ErrInvalidData)
	assert.ErrorIs(t, Job{Name: "n", ModelType: "m", TotalChunks: 0}.Validate(), errors.ErrInvalidData)
}

func TestNextChunkLowestIndex(t *testing.T) {
	j := Job{Chunks: []Chunk{
		{Index: 0, State: ChunkDone},
		{Index: 1, State: ChunkAssigned},
		{Index: 2, State: ChunkUnassigned},
		{Index: 3, State: ChunkUnassigned},
	}}

	idx, ok := j.NextChunk()
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	j.Chunks[2].State = ChunkAssigned
	j.Chunks[3].State = ChunkDone
	_, ok = j.NextChunk()
	assert.False(t, ok)
}

func TestChunksDone(t *testing.T) {
	j := Job{Chunks: []Chunk{
		{State: ChunkDone},
		{State: ChunkAssigned},
	}}
	assert.False(t, j.ChunksDone())

	j.Chunks[1].State = ChunkDone
	assert.True(t, j.ChunksDone())
}
