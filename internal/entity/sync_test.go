package entity

import (
	"encoding/json"
	"testing"
	"time"
)

func TestExternalSyncMetadataRoundTrip(t *testing.T) {
	pushed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	es := &ExternalSync{
		Provider:       "github",
		Project:        "stoneforge/core",
		ExternalID:     "1234",
		URL:            "https://github.com/stoneforge/core/issues/1234",
		AdapterType:    AdapterTask,
		Direction:      SyncBidirectional,
		LastPushedAt:   &pushed,
		LastPushedHash: "abc123",
	}

	meta := SetExternalSync(nil, es)
	got := ExternalSyncFromMetadata(meta)
	if got == nil {
		t.Fatal("expected link state back, got nil")
	}
	if got.Provider != "github" || got.ExternalID != "1234" || got.LastPushedHash != "abc123" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.LastPushedAt == nil || !got.LastPushedAt.Equal(pushed) {
		t.Errorf("round trip lost lastPushedAt: %v", got.LastPushedAt)
	}
}

func TestExternalSyncFromStoredJSON(t *testing.T) {
	// Metadata loaded from the store arrives as generic JSON maps.
	raw := `{"_externalSync":{"provider":"linear","externalId":"LIN-42","direction":"pull"}}`
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		t.Fatal(err)
	}
	es := ExternalSyncFromMetadata(meta)
	if es == nil {
		t.Fatal("expected link state from stored metadata")
	}
	if es.Provider != "linear" || es.ExternalID != "LIN-42" || es.Direction != SyncPullOnly {
		t.Errorf("unexpected decode: %+v", es)
	}
}

func TestExternalSyncFromMetadataAbsent(t *testing.T) {
	if ExternalSyncFromMetadata(nil) != nil {
		t.Error("nil metadata should yield nil")
	}
	if ExternalSyncFromMetadata(map[string]any{"other": 1}) != nil {
		t.Error("metadata without the subtree should yield nil")
	}
	if ExternalSyncFromMetadata(map[string]any{MetadataKeyExternalSync: "garbage"}) != nil {
		t.Error("malformed subtree should yield nil")
	}
}

func TestMergeMetadataPreservingSync(t *testing.T) {
	current := map[string]any{
		"label":                 "old",
		"keep":                  true,
		MetadataKeyExternalSync: map[string]any{"provider": "github", "externalId": "7"},
	}
	incoming := map[string]any{
		"label":                 "new",
		"extra":                 42,
		MetadataKeyExternalSync: map[string]any{"provider": "evil", "externalId": "999"},
	}

	merged := MergeMetadataPreservingSync(current, incoming)
	if merged["label"] != "new" || merged["extra"] != 42 || merged["keep"] != true {
		t.Errorf("overlay wrong: %+v", merged)
	}
	es := ExternalSyncFromMetadata(merged)
	if es == nil || es.Provider != "github" || es.ExternalID != "7" {
		t.Errorf("sync subtree must keep the current value, got %+v", es)
	}
}

func TestMergeMetadataPreservingSyncDropsInjectedSubtree(t *testing.T) {
	current := map[string]any{"a": 1}
	incoming := map[string]any{MetadataKeyExternalSync: map[string]any{"provider": "spoof"}}

	merged := MergeMetadataPreservingSync(current, incoming)
	if _, ok := merged[MetadataKeyExternalSync]; ok {
		t.Error("incoming subtree must not survive when current has none")
	}
	if merged["a"] != 1 {
		t.Error("existing keys must survive")
	}
}
