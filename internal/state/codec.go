// internal/state/codec.go
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/insightdash/internal/types"
)

// ErrUnsupportedVersion is returned when a snapshot was written by a newer
// release than this one understands.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// EncodeSnapshot serialises a snapshot, stamping the current version.
func EncodeSnapshot(snap *types.Snapshot) ([]byte, error) {
	out := *snap
	out.Version = types.SnapshotVersion
	if out.Conversations == nil {
		out.Conversations = []types.Conversation{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses persisted bytes. Empty input yields an empty
// snapshot; a bare JSON array is the unversioned legacy layout and is
// upgraded in memory.
func DecodeSnapshot(data []byte) (*types.Snapshot, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return &types.Snapshot{Version: types.SnapshotVersion, Conversations: []types.Conversation{}}, nil
	}

	var snap types.Snapshot
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &snap.Conversations); err != nil {
			return nil, fmt.Errorf("unmarshal legacy conversations: %w", err)
		}
	case '{':
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		if snap.Version > types.SnapshotVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
		}
	default:
		return nil, fmt.Errorf("unmarshal snapshot: unexpected %q", data[0])
	}

	snap.Version = types.SnapshotVersion
	if snap.Conversations == nil {
		snap.Conversations = []types.Conversation{}
	}
	for i := range snap.Conversations {
		if snap.Conversations[i].Messages == nil {
			snap.Conversations[i].Messages = []types.ChatMessage{}
		}
	}
	return &snap, nil
}
