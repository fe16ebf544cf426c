package transport

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/driftline/driftline/internal/core/sync"
)

const (
	// DefaultCompressionThreshold is the serialized size above which a patch
	// batch is compressed.
	DefaultCompressionThreshold = 1 << 10 // 1 KiB
	// DefaultMaxPatchSize is the upper bound on one serialized frame; larger
	// batches are split across frames, never dropped.
	DefaultMaxPatchSize = 1 << 20 // 1 MiB
)

// PushFrame is one wire request on the push channel. When Compressed is set
// the patches travel snappy-compressed in Blob; otherwise in Patches.
type PushFrame struct {
	ID      string      `json:"id"`
	Payload PushPayload `json:"payload"`
}

type PushPayload struct {
	Patches    []sync.Patch `json:"patches,omitempty"`
	Blob       []byte       `json:"blob,omitempty"`
	Compressed bool         `json:"compressed"`
}

// PullFrame is one wire request on the pull channel. A nil Since asks for
// everything the remote has.
type PullFrame struct {
	ID      string      `json:"id"`
	Payload PullPayload `json:"payload"`
}

type PullPayload struct {
	Since *int64 `json:"since"`
}

// OperationFrame carries an opaque queued-operation payload under the
// top-level correlation id request/acknowledge exchanges require.
type OperationFrame struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PullResult is the data carried by a successful pull acknowledgment.
type PullResult struct {
	Patches    []sync.Patch `json:"patches,omitempty"`
	Blob       []byte       `json:"blob,omitempty"`
	Compressed bool         `json:"compressed"`
}

// Framer turns patch batches into wire frames and back, applying
// threshold-triggered snappy compression and size-bound splitting.
type Framer struct {
	CompressionEnabled   bool
	CompressionThreshold int
	MaxPatchSize         int
}

// NewFramer returns a framer with the default policy: compression on above
// 1 KiB, frames split at 1 MiB.
func NewFramer() *Framer {
	return &Framer{
		CompressionEnabled:   true,
		CompressionThreshold: DefaultCompressionThreshold,
		MaxPatchSize:         DefaultMaxPatchSize,
	}
}

// EncodePush frames a patch batch for the push channel, splitting it into
// multiple frames when the serialized batch exceeds MaxPatchSize.
func (f *Framer) EncodePush(patches []sync.Patch) ([][]byte, error) {
	if len(patches) == 0 {
		return nil, nil
	}

	batches, err := f.splitBatches(patches)
	if err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, len(batches))
	for _, batch := range batches {
		payload, err := f.encodePayload(batch)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(PushFrame{ID: uuid.NewString(), Payload: payload})
		if err != nil {
			return nil, fmt.Errorf("marshal push frame: %w", err)
		}
		frames = append(frames, raw)
	}
	return frames, nil
}

// DecodePush unframes a push request, decompressing as needed.
func (f *Framer) DecodePush(raw []byte) ([]sync.Patch, error) {
	var frame PushFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, NewError(ErrorCodeInvalidFrame, "decode push frame", err)
	}
	return decodePatches(frame.Payload.Patches, frame.Payload.Blob, frame.Payload.Compressed)
}

// EncodePull frames a pull request for patches newer than since. A since of
// zero is sent as null, asking for the full history.
func (f *Framer) EncodePull(since int64) ([]byte, error) {
	payload := PullPayload{}
	if since > 0 {
		payload.Since = &since
	}
	raw, err := json.Marshal(PullFrame{ID: uuid.NewString(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal pull frame: %w", err)
	}
	return raw, nil
}

// DecodePullAck extracts the remote patches from a pull acknowledgment.
func (f *Framer) DecodePullAck(ack Ack) ([]sync.Patch, error) {
	if !ack.Success {
		return nil, NewError(ErrorCodeRejected, "pull rejected", fmt.Errorf("%s", ack.Error))
	}
	if len(ack.Data) == 0 {
		return nil, nil
	}
	var result PullResult
	if err := json.Unmarshal(ack.Data, &result); err != nil {
		return nil, NewError(ErrorCodeInvalidFrame, "decode pull ack", err)
	}
	return decodePatches(result.Patches, result.Blob, result.Compressed)
}

// EncodePullResult builds the ack data for a pull response. Used by loopback
// ports and tests standing in for the remote.
func (f *Framer) EncodePullResult(patches []sync.Patch) (json.RawMessage, error) {
	payload, err := f.encodePayload(patches)
	if err != nil {
		return nil, err
	}
	result := PullResult(payload)
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal pull result: %w", err)
	}
	return raw, nil
}

// EncodeOperation frames an opaque payload, keyed by the operation's own id,
// for delivery on an operation channel.
func (f *Framer) EncodeOperation(id string, payload json.RawMessage) ([]byte, error) {
	if id == "" {
		return nil, NewError(ErrorCodeInvalidFrame, "operation frame needs an id", nil)
	}
	raw, err := json.Marshal(OperationFrame{ID: id, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal operation frame: %w", err)
	}
	return raw, nil
}

// DecodeOperation unframes an operation request. Used by servers and by tests
// standing in for the remote.
func (f *Framer) DecodeOperation(raw []byte) (OperationFrame, error) {
	var frame OperationFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return OperationFrame{}, NewError(ErrorCodeInvalidFrame, "decode operation frame", err)
	}
	if frame.ID == "" {
		return OperationFrame{}, NewError(ErrorCodeInvalidFrame, "operation frame has no id", nil)
	}
	return frame, nil
}

func (f *Framer) encodePayload(patches []sync.Patch) (PushPayload, error) {
	raw, err := json.Marshal(patches)
	if err != nil {
		return PushPayload{}, fmt.Errorf("marshal patches: %w", err)
	}

	if f.CompressionEnabled && len(raw) > f.threshold() {
		return PushPayload{Blob: snappy.Encode(nil, raw), Compressed: true}, nil
	}
	return PushPayload{Patches: patches}, nil
}

// splitBatches cuts a patch list into chunks whose serialized size stays
// under MaxPatchSize. A single patch above the bound still travels, alone in
// its own frame: batches are split, never dropped.
func (f *Framer) splitBatches(patches []sync.Patch) ([][]sync.Patch, error) {
	limit := f.maxSize()

	var (
		batches [][]sync.Patch
		current []sync.Patch
		size    int
	)
	for _, p := range patches {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal patch %s: %w", p.ID, err)
		}
		if len(current) > 0 && size+len(raw) > limit {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, p)
		size += len(raw)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches, nil
}

func (f *Framer) threshold() int {
	if f.CompressionThreshold > 0 {
		return f.CompressionThreshold
	}
	return DefaultCompressionThreshold
}

func (f *Framer) maxSize() int {
	if f.MaxPatchSize > 0 {
		return f.MaxPatchSize
	}
	return DefaultMaxPatchSize
}

func decodePatches(patches []sync.Patch, blob []byte, compressed bool) ([]sync.Patch, error) {
	if !compressed {
		return patches, nil
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, NewError(ErrorCodeInvalidFrame, "decompress patches", err)
	}
	var out []sync.Patch
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewError(ErrorCodeInvalidFrame, "unmarshal patches", err)
	}
	return out, nil
}
