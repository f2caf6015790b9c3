package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/msgengine/interfaces"
)

func TestRecordCodec(t *testing.T) {
	rec := record("q1-id", "Q1", interfaces.KindQueue, 7)
	rec.Localizers = []string{"ME1", "ME2"}
	rec.ToBeDeleted = true

	data, err := encodeRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, byte(codecVersion), data[0])

	again, err := encodeRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")

	decoded, err := decodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestRecordCodecRejectsBadInput(t *testing.T) {
	_, err := decodeRecord(nil)
	assert.Error(t, err)

	data, err := encodeRecord(record("q1-id", "Q1", interfaces.KindQueue, 1))
	require.NoError(t, err)
	data[0] = codecVersion + 1
	_, err = decodeRecord(data)
	assert.ErrorContains(t, err, "unsupported record version")

	_, err = decodeRecord([]byte{codecVersion, 0xff})
	assert.Error(t, err)
}

func TestTickCodec(t *testing.T) {
	data, err := encodeTick(42)
	require.NoError(t, err)
	tick, err := decodeTick(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), tick)
}
