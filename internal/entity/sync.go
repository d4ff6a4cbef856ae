package entity

import (
	"encoding/json"
	"time"
)

// MetadataKeyExternalSync is the reserved metadata subtree owned by the sync
// engine. Nothing else may write under it.
const MetadataKeyExternalSync = "_externalSync"

// SyncDirection constrains which way changes may flow for a linked element.
type SyncDirection string

const (
	SyncBidirectional SyncDirection = "bidirectional"
	SyncPushOnly      SyncDirection = "push"
	SyncPullOnly      SyncDirection = "pull"
)

// ConflictStrategy selects how a push/pull conflict is resolved.
type ConflictStrategy string

const (
	ConflictLastWriteWins ConflictStrategy = "last_write_wins"
	ConflictLocalWins     ConflictStrategy = "local_wins"
	ConflictRemoteWins    ConflictStrategy = "remote_wins"
	ConflictManual        ConflictStrategy = "manual"
)

// TagSyncConflict marks elements the manual strategy has set aside.
const TagSyncConflict = "sync-conflict"

// AdapterType names which element family an adapter handles.
type AdapterType string

const (
	AdapterTask     AdapterType = "task"
	AdapterDocument AdapterType = "document"
)

// ExternalSync is the per-element link state stored under the
// MetadataKeyExternalSync subtree.
type ExternalSync struct {
	Provider       string        `json:"provider"`
	Project        string        `json:"project,omitempty"`
	ExternalID     string        `json:"externalId"`
	URL            string        `json:"url,omitempty"`
	AdapterType    AdapterType   `json:"adapterType,omitempty"`
	Direction      SyncDirection `json:"direction,omitempty"`
	LastPushedAt   *time.Time    `json:"lastPushedAt,omitempty"`
	LastPushedHash string        `json:"lastPushedHash,omitempty"`
	LastPulledAt   *time.Time    `json:"lastPulledAt,omitempty"`
	LastPulledHash string        `json:"lastPulledHash,omitempty"`
}

// ExternalSyncFromMetadata decodes the sync subtree from an element's
// metadata. Returns nil when the element is not linked. Metadata values
// round-trip through JSON so the subtree may be a map or a typed struct.
func ExternalSyncFromMetadata(meta map[string]any) *ExternalSync {
	if meta == nil {
		return nil
	}
	raw, ok := meta[MetadataKeyExternalSync]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case *ExternalSync:
		cp := *v
		return &cp
	case ExternalSync:
		cp := v
		return &cp
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var es ExternalSync
		if err := json.Unmarshal(data, &es); err != nil {
			return nil
		}
		return &es
	default:
		return nil
	}
}

// ToMetadata encodes the link state as the map form used in metadata, so
// stored elements look the same whether they were written live or round-
// tripped through the store.
func (es *ExternalSync) ToMetadata() map[string]any {
	data, err := json.Marshal(es)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// SetExternalSync writes the sync subtree into metadata, replacing any
// previous value. A nil link removes the subtree.
func SetExternalSync(meta map[string]any, es *ExternalSync) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	if es == nil {
		delete(meta, MetadataKeyExternalSync)
		return meta
	}
	meta[MetadataKeyExternalSync] = es.ToMetadata()
	return meta
}

// MergeMetadataPreservingSync overlays incoming metadata onto current while
// keeping the sync subtree under the engine's sole control: whatever the
// incoming map says about _externalSync is discarded in favor of current.
func MergeMetadataPreservingSync(current, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(incoming))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range incoming {
		if k == MetadataKeyExternalSync {
			continue
		}
		merged[k] = v
	}
	if cur, ok := current[MetadataKeyExternalSync]; ok {
		merged[MetadataKeyExternalSync] = cur
	} else {
		delete(merged, MetadataKeyExternalSync)
	}
	return merged
}
