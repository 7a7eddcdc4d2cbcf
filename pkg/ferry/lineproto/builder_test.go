package lineproto_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinegraph/pulseferry/pkg/ferry/lineproto"
)

// TestRender_FullLine verifies ordering of tags and fields and the
// nanosecond timestamp conversion.
func TestRender_FullLine(t *testing.T) {
	line, err := lineproto.NewBuilder("motion").
		Tag("batch_id", "0000000000001-000001-deadbeef").
		Tag("device", "wrist").
		FloatField("v", 0.125).
		IntField("n", 42).
		BoolField("worn", true).
		TimestampMs(1755700000000).
		Render()
	require.NoError(t, err)
	assert.Equal(t,
		`motion,batch_id=0000000000001-000001-deadbeef,device=wrist v=0.125,n=42i,worn=true 1755700000000000000`,
		line)
}

// TestRender_EscapesSpecialCharacters verifies the centralized escaping rules
// for measurements, tag pairs, field keys and string values.
func TestRender_EscapesSpecialCharacters(t *testing.T) {
	line, err := lineproto.NewBuilder("wrist motion,v2").
		Tag("net name", "cafe,guest=2").
		StringField("note key", `say "hi" c:\tmp`).
		Render()
	require.NoError(t, err)
	assert.Equal(t,
		`wrist\ motion\,v2,net\ name=cafe\,guest\=2 note\ key="say \"hi\" c:\\tmp"`,
		line)
}

// TestRender_TimestampOptional verifies a line renders without a timestamp.
func TestRender_TimestampOptional(t *testing.T) {
	line, err := lineproto.NewBuilder("motion").FloatField("v", 1).Render()
	require.NoError(t, err)
	assert.Equal(t, `motion v=1`, line)
}

// TestRender_TimeSetter verifies the time.Time setter.
func TestRender_TimeSetter(t *testing.T) {
	ts := time.UnixMilli(1755700000123)
	line, err := lineproto.NewBuilder("motion").FloatField("v", 1).Timestamp(ts).Render()
	require.NoError(t, err)
	assert.Equal(t, `motion v=1 1755700000123000000`, line)
}

// TestRender_StructuralValidation verifies the invalid-line guards.
func TestRender_StructuralValidation(t *testing.T) {
	// No measurement.
	_, err := lineproto.NewBuilder("").FloatField("v", 1).Render()
	assert.Error(t, err)

	// No fields.
	_, err = lineproto.NewBuilder("motion").Tag("a", "b").Render()
	assert.Error(t, err)

	// Empty tag key.
	_, err = lineproto.NewBuilder("motion").Tag("", "b").FloatField("v", 1).Render()
	assert.Error(t, err)

	// Empty field key.
	_, err = lineproto.NewBuilder("motion").FloatField("", 1).Render()
	assert.Error(t, err)

	// Non-finite float values never reach the wire.
	_, err = lineproto.NewBuilder("motion").FloatField("v", math.NaN()).Render()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a finite number")
	_, err = lineproto.NewBuilder("motion").FloatField("v", math.Inf(1)).Render()
	assert.Error(t, err)
}
