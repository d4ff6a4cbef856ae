package extsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalFields is the transport-neutral content view of an element.
// Both sides of a link reduce to this shape before hashing, so a push-side
// and pull-side hash of equivalent content always agree. Transient fields
// (timestamps, version counters) never appear here.
type CanonicalFields map[string]any

// Hash computes the SHA-256 of the canonical form. Map keys are emitted in
// sorted order and string slices are sorted, so field ordering on either
// side cannot produce a spurious difference.
func Hash(fields CanonicalFields) string {
	normalized := make(map[string]any, len(fields))
	for k, v := range fields {
		// Elide empties: an unset field and an absent field hash alike.
		if v == nil || v == "" {
			continue
		}
		if s, ok := v.([]string); ok {
			if len(s) == 0 {
				continue
			}
			cp := append([]string(nil), s...)
			sort.Strings(cp)
			normalized[k] = cp
			continue
		}
		normalized[k] = v
	}
	// encoding/json writes map keys in sorted order.
	data, err := json.Marshal(normalized)
	if err != nil {
		// Canonical fields are strings, numbers, and string slices;
		// marshaling them cannot fail.
		panic("extsync: unmarshalable canonical fields: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
