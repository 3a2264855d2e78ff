// Package hashing implements the dual-digest change-detection scheme and
// the assertion-key composer.
//
// Every staged row and every candidate assertion gets two SHA-256 digests:
// raw_hash over the canonical serialization of the displayed cell values,
// and normalized_hash over the same cells after the spec's normalization
// rules. Which digest drives change detection is the spec's choice; both
// are always stored so the mode can be switched without re-importing.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/evergraph/evergraph/internal/spec"
	"github.com/evergraph/evergraph/internal/types"
)

// digest returns the lowercase hex SHA-256 of s.
func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SerializeCell renders one cell to its canonical string form: the null
// token when absent, lowercase literals for booleans, and the displayed
// representation for numbers and dates (the only number_format/date_format
// the serializer recognizes is as_displayed).
func SerializeCell(c types.Cell, ser spec.RawHashSerialization) string {
	if c.Empty {
		return ser.NullRepresentation
	}
	if c.Type == types.ValueBoolean {
		return strings.ToLower(c.Value)
	}
	return c.Value
}

// RowHash computes raw_hash: cells serialized per the spec, joined with the
// spec delimiter, digested.
func RowHash(cells []types.Cell, ser spec.RawHashSerialization) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = SerializeCell(c, ser)
	}
	return digest(strings.Join(parts, ser.Delimiter))
}

// NormalizedRowHash computes normalized_hash: each cell normalized before
// concatenation, same delimiter and digest.
func NormalizedRowHash(cells []types.Cell, ser spec.RawHashSerialization, rules spec.NormalizationRules) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = NormalizeCell(c, ser, rules)
	}
	return digest(strings.Join(parts, ser.Delimiter))
}

// dateLayouts are the input shapes the date normalizer recognizes.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"02/01/2006",
	"2-Jan-06",
	"Jan 2, 2006",
}

// NormalizeCell applies the spec's normalization rules to a single cell and
// returns its normalized string form. Deterministic and pure.
func NormalizeCell(c types.Cell, ser spec.RawHashSerialization, rules spec.NormalizationRules) string {
	if c.Empty {
		return ""
	}
	s := c.Value

	// Null tokens collapse to the fixed empty literal before any other rule.
	for _, tok := range rules.NullTokens {
		if s == tok {
			return ""
		}
	}

	if rules.TrimWhitespace {
		s = strings.TrimSpace(s)
	}
	if rules.CollapseWhitespace {
		s = strings.Join(strings.Fields(s), " ")
	}
	if rules.LowercaseStrings && c.Type == types.ValueString {
		s = strings.ToLower(s)
	}

	if rules.NumberFormat != nil && rules.NumberFormat.DecimalPlaces != nil && c.Type == types.ValueNumber {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			s = strconv.FormatFloat(f, 'f', *rules.NumberFormat.DecimalPlaces, 64)
		}
	}

	if rules.DateFormat != "" && c.Type == types.ValueDate {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				s = t.Format("2006-01-02")
				break
			}
		}
	}

	return s
}

// IsNullToken reports whether a cell carries no value for ingestion
// purposes: physically empty, or holding one of the spec's declared null
// tokens. Tokens match the displayed value exactly, before any other rule,
// the same way NormalizeCell collapses them.
func IsNullToken(c types.Cell, rules spec.NormalizationRules) bool {
	if c.Empty {
		return true
	}
	for _, tok := range rules.NullTokens {
		if c.Value == tok {
			return true
		}
	}
	return false
}

// ValueHash computes the per-candidate raw content hash of a property
// assertion: the property key and the serialized value, joined with the
// spec delimiter. Isolates change detection per assertion when one row
// yields many.
func ValueHash(propertyKey string, c types.Cell, ser spec.RawHashSerialization) string {
	return digest(propertyKey + ser.Delimiter + SerializeCell(c, ser))
}

// NormalizedValueHash is ValueHash over the normalized cell form.
func NormalizedValueHash(propertyKey string, c types.Cell, ser spec.RawHashSerialization, rules spec.NormalizationRules) string {
	return digest(propertyKey + ser.Delimiter + NormalizeCell(c, ser, rules))
}

// IdentityHash computes the content hash of a relationship assertion. The
// relationship's identity is its endpoints, so both digests are taken over
// the assertion key itself.
func IdentityHash(assertionKey string) string {
	return digest(assertionKey)
}

// PropertyKey composes the assertion key of a property assertion:
// {workspace}:{entity_type}:{primary_key}:prop:{property_key}.
func PropertyKey(workspaceID, entityType, primaryKey, propertyKey string) string {
	return fmt.Sprintf("%s:%s:%s:prop:%s", workspaceID, entityType, primaryKey, propertyKey)
}

// RelationshipKey composes the assertion key of a relationship assertion:
// {workspace}:{from_type}:{from_pk}:{rel}:{to_type}:{to_pk}. The key is
// content-addressed on the endpoints, never on the assertion's values, so
// the same conceptual fact shares a key across sources and time.
func RelationshipKey(workspaceID, fromType, fromPK, relType, toType, toPK string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s", workspaceID, fromType, fromPK, relType, toType, toPK)
}
