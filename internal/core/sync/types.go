package sync

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationType classifies a field-level change carried by a patch.
type OperationType uint8

const (
	// OpCreate introduces a value at a path that had none.
	OpCreate OperationType = iota
	// OpUpdate replaces the value at an existing path.
	OpUpdate
	// OpDelete removes the value at a path.
	OpDelete
)

var operationTypeNames = map[OperationType]string{
	OpCreate: "create",
	OpUpdate: "update",
	OpDelete: "delete",
}

func (t OperationType) String() string {
	if name, ok := operationTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Valid reports whether t is a member of the closed enumeration.
func (t OperationType) Valid() bool {
	_, ok := operationTypeNames[t]
	return ok
}

// MarshalJSON encodes the operation type as its wire name.
func (t OperationType) MarshalJSON() ([]byte, error) {
	name, ok := operationTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: operation type %d", ErrMalformedOperation, uint8(t))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a wire name back into an operation type. Unknown
// names are rejected so malformed remote operations surface early.
func (t *OperationType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for typ, n := range operationTypeNames {
		if n == name {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("%w: operation type %q", ErrMalformedOperation, name)
}

// Operation is an atomic field-level change. Path locates the field within
// its entity; OldData carries the value at last sync for conflict comparison.
// Operations are immutable once created.
type Operation struct {
	Type    OperationType `json:"type"`
	Path    string        `json:"path"`
	Data    any           `json:"data,omitempty"`
	OldData any           `json:"oldData,omitempty"`
}

// Patch is an immutable batch of operations produced in one diff pass.
// The ID is used for idempotent replay and deduplication; Timestamp is a
// Lamport clock value, monotonically increasing per origin.
type Patch struct {
	ID         string      `json:"id"`
	Timestamp  int64       `json:"timestamp"`
	UserID     string      `json:"userId"`
	EntityType string      `json:"entityType,omitempty"`
	EntityID   string      `json:"entityId,omitempty"`
	Operations []Operation `json:"operations"`
}

// Conflict records that local and remote both changed the same path, with
// different values, since their last common sync point. A conflict exists
// only until resolved.
type Conflict struct {
	EntityID    string    `json:"entityId"`
	EntityType  string    `json:"entityType"`
	Path        string    `json:"path"`
	LocalValue  any       `json:"localValue"`
	RemoteValue any       `json:"remoteValue"`
	DetectedAt  time.Time `json:"detectedAt"`
}

// Resolution selects how a conflict is settled.
type Resolution uint8

const (
	// ResolveLocal keeps the local value and re-emits it as a fresh patch.
	ResolveLocal Resolution = iota
	// ResolveRemote applies the remote value, dropping the pending local one.
	ResolveRemote
	// ResolveMerge invokes the caller-supplied merge hook with both values.
	ResolveMerge
)

func (r Resolution) String() string {
	switch r {
	case ResolveLocal:
		return "local"
	case ResolveRemote:
		return "remote"
	case ResolveMerge:
		return "merge"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// ParseResolution maps a configuration string to a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "local":
		return ResolveLocal, nil
	case "remote":
		return ResolveRemote, nil
	case "merge":
		return ResolveMerge, nil
	default:
		return 0, fmt.Errorf("invalid resolution %q", s)
	}
}

// Metrics is a read-only snapshot of engine progress.
type Metrics struct {
	LastSyncTime     int64
	TrackedStates    int
	PendingPatches   int
	AppliedPatches   uint64
	DuplicatePatches uint64
	OpenConflicts    int
}
