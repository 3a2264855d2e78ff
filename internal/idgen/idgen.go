// Package idgen mints the time-sortable identifiers used for every vertex.
//
// IDs are UUIDv7 values rendered as 32 lowercase hex characters, so their
// lexicographic order matches creation order (millisecond timestamp in the
// high bits, a monotonic sequence below it). A human-readable prefix names
// the vertex kind in APIs and logs; storage keeps only the fixed-width hex.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Vertex kind prefixes.
const (
	PrefixEntity    = "entity_"
	PrefixAssertion = "asrt_"
	PrefixEvent     = "evt_"
	PrefixImport    = "imp_"
	PrefixProperty  = "pv_"
	PrefixSource    = "src_"
)

// HexLen is the stored width of an ID: 128 bits as hex.
const HexLen = 32

var knownPrefixes = []string{
	PrefixEntity, PrefixAssertion, PrefixEvent,
	PrefixImport, PrefixProperty, PrefixSource,
}

// New mints a fresh ID with the given prefix. Two calls in the same
// millisecond still yield distinct, correctly ordered IDs (UUIDv7 carries a
// monotonic sub-millisecond sequence).
func New(prefix string) string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4 so
		// callers never observe an empty ID.
		u = uuid.New()
	}
	return prefix + strings.ReplaceAll(u.String(), "-", "")
}

// Strip removes any known prefix, returning the fixed-width hex form used
// as the stored vertex ID.
func Strip(id string) string {
	for _, p := range knownPrefixes {
		if strings.HasPrefix(id, p) {
			return id[len(p):]
		}
	}
	return id
}

// Valid reports whether id (after prefix stripping) is a well-formed
// 32-character lowercase hex identifier.
func Valid(id string) bool {
	h := Strip(id)
	if len(h) != HexLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
