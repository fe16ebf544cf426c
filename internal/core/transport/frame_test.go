package transport

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/core/sync"
)

func patchWithData(id string, size int) sync.Patch {
	return sync.Patch{
		ID:         id,
		Timestamp:  1,
		UserID:     "node",
		EntityType: "document",
		EntityID:   "doc-1",
		Operations: []sync.Operation{
			{Type: sync.OpUpdate, Path: "body", Data: strings.Repeat("x", size)},
		},
	}
}

func TestSmallBatchIsNotCompressed(t *testing.T) {
	f := NewFramer()

	frames, err := f.EncodePush([]sync.Patch{patchWithData("p1", 16)})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var frame PushFrame
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	require.False(t, frame.Payload.Compressed)
	require.NotEmpty(t, frame.Payload.Patches)
	require.NotEmpty(t, frame.ID)
}

func TestLargeBatchIsCompressedAndRoundTrips(t *testing.T) {
	f := NewFramer()
	original := []sync.Patch{patchWithData("p1", 4096)}

	frames, err := f.EncodePush(original)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var frame PushFrame
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	require.True(t, frame.Payload.Compressed)
	require.Empty(t, frame.Payload.Patches)
	require.NotEmpty(t, frame.Payload.Blob)

	decoded, err := f.DecodePush(frames[0])
	require.NoError(t, err)
	require.Equal(t, original[0].ID, decoded[0].ID)
	require.Equal(t, original[0].Operations[0].Data, decoded[0].Operations[0].Data)
}

func TestCompressionCanBeDisabled(t *testing.T) {
	f := NewFramer()
	f.CompressionEnabled = false

	frames, err := f.EncodePush([]sync.Patch{patchWithData("p1", 4096)})
	require.NoError(t, err)

	var frame PushFrame
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	require.False(t, frame.Payload.Compressed)
}

func TestOversizeBatchIsSplitNotDropped(t *testing.T) {
	f := NewFramer()
	f.MaxPatchSize = 2048
	f.CompressionEnabled = false

	batch := []sync.Patch{
		patchWithData("p1", 1500),
		patchWithData("p2", 1500),
		patchWithData("p3", 100),
	}

	frames, err := f.EncodePush(batch)
	require.NoError(t, err)
	// p1 fills the first frame; p2 and p3 fit together in the second
	require.Len(t, frames, 2)

	var ids []string
	for _, raw := range frames {
		patches, err := f.DecodePush(raw)
		require.NoError(t, err)
		for _, p := range patches {
			ids = append(ids, p.ID)
		}
	}
	require.Equal(t, []string{"p1", "p2", "p3"}, ids)
}

func TestSinglePatchAboveLimitStillTravels(t *testing.T) {
	f := NewFramer()
	f.MaxPatchSize = 64
	f.CompressionEnabled = false

	frames, err := f.EncodePush([]sync.Patch{patchWithData("huge", 500)})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	patches, err := f.DecodePush(frames[0])
	require.NoError(t, err)
	require.Equal(t, "huge", patches[0].ID)
}

func TestPullFrameSince(t *testing.T) {
	f := NewFramer()

	raw, err := f.EncodePull(0)
	require.NoError(t, err)
	var frame PullFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Nil(t, frame.Payload.Since) // zero cursor travels as null

	raw, err = f.EncodePull(42)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.NotNil(t, frame.Payload.Since)
	require.Equal(t, int64(42), *frame.Payload.Since)
}

func TestPullAckRoundTrip(t *testing.T) {
	f := NewFramer()
	original := []sync.Patch{patchWithData("p1", 4096)}

	data, err := f.EncodePullResult(original)
	require.NoError(t, err)

	patches, err := f.DecodePullAck(Ack{Success: true, Data: data})
	require.NoError(t, err)
	require.Len(t, patches, 1)
	require.Equal(t, "p1", patches[0].ID)
}

func TestPullAckFailure(t *testing.T) {
	f := NewFramer()

	_, err := f.DecodePullAck(Ack{Success: false, Error: "server shed load"})
	require.Error(t, err)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, ErrorCodeRejected, terr.Code)
	require.False(t, terr.IsTemporary())
}

func TestEmptyPullAck(t *testing.T) {
	f := NewFramer()
	patches, err := f.DecodePullAck(Ack{Success: true})
	require.NoError(t, err)
	require.Empty(t, patches)
}

func TestTemporaryClassification(t *testing.T) {
	require.True(t, IsTemporary(NewError(ErrorCodeTimeout, "slow", nil)))
	require.True(t, IsTemporary(ErrNotConnected))
	require.False(t, IsTemporary(NewError(ErrorCodeInvalidFrame, "bad", nil)))
}
