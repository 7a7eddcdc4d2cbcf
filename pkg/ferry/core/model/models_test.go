package model_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/kinegraph/pulseferry/pkg/ferry/core/model"
)

// TestNewBatchID_FormatAndOrdering verifies the identifier layout and that ids
// created later sort lexicographically after earlier ones.
func TestNewBatchID_FormatAndOrdering(t *testing.T) {
	idPattern := regexp.MustCompile(`^\d{13}-\d{6}-[0-9a-f]{8}$`)

	t0 := time.UnixMilli(1755700000000)
	id1 := model.NewBatchID(t0, 1)
	id2 := model.NewBatchID(t0, 2)
	id3 := model.NewBatchID(t0.Add(time.Second), 0)

	assert.Regexp(t, idPattern, id1)
	assert.Regexp(t, idPattern, id2)
	assert.Regexp(t, idPattern, id3)

	assert.Less(t, id1, id2, "same millisecond orders by sequence")
	assert.Less(t, id2, id3, "later millisecond orders after earlier")
}

// TestDeliveryState_IsTerminal verifies which states leave the pending queue.
func TestDeliveryState_IsTerminal(t *testing.T) {
	assert.True(t, model.DeliverySuccess.IsTerminal())
	assert.True(t, model.DeliveryDeadLettered.IsTerminal())

	assert.False(t, model.DeliveryPending.IsTerminal())
	assert.False(t, model.DeliveryInFlight.IsTerminal())
	assert.False(t, model.DeliveryRetryable.IsTerminal())
	assert.False(t, model.DeliveryFatal.IsTerminal())
}

// TestParseOperatingMode verifies parsing of persisted mode strings, including
// the fallback to ACTIVE for unknown values.
func TestParseOperatingMode(t *testing.T) {
	assert.Equal(t, model.ModePaused, model.ParseOperatingMode("PAUSED"))
	assert.Equal(t, model.ModePaused, model.ParseOperatingMode(" paused\n"))
	assert.Equal(t, model.ModeActive, model.ParseOperatingMode("ACTIVE"))
	assert.Equal(t, model.ModeActive, model.ParseOperatingMode(""))
	assert.Equal(t, model.ModeActive, model.ParseOperatingMode("garbage"))
}

// TestCompressionTag_RoundTrip verifies the wire names of the compression tags.
func TestCompressionTag_RoundTrip(t *testing.T) {
	for _, tag := range []model.CompressionTag{model.CompressionNone, model.CompressionZstd} {
		parsed, err := model.ParseCompressionTag(tag.String())
		require.NoError(t, err)
		assert.Equal(t, tag, parsed)
	}

	_, err := model.ParseCompressionTag("lz4")
	assert.Error(t, err)
}

// TestChunk_Validate verifies the structural guards on incoming chunks.
func TestChunk_Validate(t *testing.T) {
	valid := model.Chunk{BatchID: "b", Index: 0, TotalChunks: 2, Payload: []byte("x")}
	assert.NoError(t, valid.Validate())

	missingID := model.Chunk{Index: 0, TotalChunks: 1}
	assert.Error(t, missingID.Validate())

	badTotal := model.Chunk{BatchID: "b", Index: 0, TotalChunks: 0}
	assert.Error(t, badTotal.Validate())

	badIndex := model.Chunk{BatchID: "b", Index: 2, TotalChunks: 2}
	assert.Error(t, badIndex.Validate())

	negativeIndex := model.Chunk{BatchID: "b", Index: -1, TotalChunks: 2}
	assert.Error(t, negativeIndex.Validate())
}

// TestChunkAssembly_AddAndComplete verifies out-of-order accumulation,
// duplicate overwrite and the completion check.
func TestChunkAssembly_AddAndComplete(t *testing.T) {
	now := time.UnixMilli(1755700000000)
	c0 := model.Chunk{BatchID: "b", Index: 0, TotalChunks: 3, Payload: []byte("aa")}
	c1 := model.Chunk{BatchID: "b", Index: 1, TotalChunks: 3, Payload: []byte("bb")}
	c2 := model.Chunk{BatchID: "b", Index: 2, TotalChunks: 3, Payload: []byte("cc")}

	asm := model.NewChunkAssembly(c2, now)
	assert.False(t, asm.Complete())
	assert.Equal(t, now, asm.LastChunkAt)

	later := now.Add(time.Second)
	require.NoError(t, asm.Add(c0, later))
	assert.Equal(t, later, asm.LastChunkAt)
	assert.False(t, asm.Complete())

	require.NoError(t, asm.Add(c1, later))
	assert.True(t, asm.Complete())

	// Duplicate index overwrites the held payload.
	dup := model.Chunk{BatchID: "b", Index: 1, TotalChunks: 3, Payload: []byte("BB")}
	require.NoError(t, asm.Add(dup, later.Add(time.Second)))
	assert.True(t, asm.Complete())
	assert.Equal(t, []byte("BB"), asm.Received[1])
}

// TestChunkAssembly_Add_Mismatches verifies that foreign or inconsistent
// chunks never enter an assembly.
func TestChunkAssembly_Add_Mismatches(t *testing.T) {
	now := time.UnixMilli(1755700000000)
	asm := model.NewChunkAssembly(model.Chunk{BatchID: "b", Index: 0, TotalChunks: 2, Payload: []byte("aa")}, now)

	foreign := model.Chunk{BatchID: "other", Index: 1, TotalChunks: 2}
	assert.Error(t, asm.Add(foreign, now))

	disagreeingTotal := model.Chunk{BatchID: "b", Index: 1, TotalChunks: 5}
	assert.Error(t, asm.Add(disagreeingTotal, now))

	outOfRange := model.Chunk{BatchID: "b", Index: 2, TotalChunks: 2}
	assert.Error(t, asm.Add(outOfRange, now))
}

// TestBatch_LatestSampleTimestamp verifies the retention anchor calculation.
func TestBatch_LatestSampleTimestamp(t *testing.T) {
	b := &model.Batch{
		BatchID:   "b",
		CreatedAt: 100,
		Samples: []model.Sample{
			{Timestamp: 90},
			{Timestamp: 250},
			{Timestamp: 180},
		},
	}
	assert.Equal(t, int64(250), b.LatestSampleTimestamp())

	empty := &model.Batch{BatchID: "e", CreatedAt: 100}
	assert.Equal(t, int64(100), empty.LatestSampleTimestamp())
}
