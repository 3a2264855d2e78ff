package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evergraph/evergraph/internal/spec"
	"github.com/evergraph/evergraph/internal/types"
)

func testSerialization() spec.RawHashSerialization {
	return spec.RawHashSerialization{
		CellOrder:          spec.CellOrder{ColumnOrder: true},
		Delimiter:          "|",
		NullRepresentation: "<NULL>",
		NumberFormat:       "as_displayed",
		DateFormat:         "as_displayed",
	}
}

func testRules() spec.NormalizationRules {
	two := 2
	return spec.NormalizationRules{
		TrimWhitespace:     true,
		CollapseWhitespace: true,
		LowercaseStrings:   true,
		NullTokens:         []string{"", "N/A", "n/a", "null", "-"},
		NumberFormat:       &spec.NumberFormatRule{DecimalPlaces: &two},
		DateFormat:         "YYYY-MM-DD",
	}
}

func cells(vals ...string) []types.Cell {
	out := make([]types.Cell, len(vals))
	for i, v := range vals {
		out[i] = types.StringCell(v)
	}
	return out
}

func TestRowHashDeterministic(t *testing.T) {
	ser := testSerialization()
	row := cells("1001", "east", "active")
	h1 := RowHash(row, ser)
	h2 := RowHash(row, ser)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestRowHashSensitivity(t *testing.T) {
	ser := testSerialization()
	base := RowHash(cells("1001", "east"), ser)

	assert.NotEqual(t, base, RowHash(cells("1001", "west"), ser), "value change must change the hash")
	assert.NotEqual(t, base, RowHash(cells("east", "1001"), ser), "cell order is significant")

	// The delimiter is part of the canonical byte sequence.
	other := ser
	other.Delimiter = ";"
	assert.NotEqual(t, base, RowHash(cells("1001", "east"), other))
}

func TestRowHashNullRepresentation(t *testing.T) {
	ser := testSerialization()
	withEmpty := RowHash([]types.Cell{types.StringCell("a"), types.EmptyCell()}, ser)
	withToken := RowHash(cells("a", "<NULL>"), ser)
	assert.Equal(t, withToken, withEmpty, "empty cells serialize as the null token")
}

func TestSerializeBooleanLowercase(t *testing.T) {
	ser := testSerialization()
	c := types.Cell{Value: "TRUE", Type: types.ValueBoolean}
	assert.Equal(t, "true", SerializeCell(c, ser))
}

func TestNormalizeCellWhitespaceAndCase(t *testing.T) {
	ser := testSerialization()
	rules := testRules()

	got := NormalizeCell(types.StringCell("  East   Coast  "), ser, rules)
	assert.Equal(t, "east coast", got)
}

func TestNormalizeCellNullTokens(t *testing.T) {
	ser := testSerialization()
	rules := testRules()
	for _, tok := range []string{"N/A", "n/a", "null", "-", ""} {
		assert.Equal(t, "", NormalizeCell(types.StringCell(tok), ser, rules), "token %q", tok)
	}
}

func TestNormalizeCellNumber(t *testing.T) {
	ser := testSerialization()
	rules := testRules()
	c := types.Cell{Value: "3.14159", Type: types.ValueNumber}
	assert.Equal(t, "3.14", NormalizeCell(c, ser, rules))

	c = types.Cell{Value: "7", Type: types.ValueNumber}
	assert.Equal(t, "7.00", NormalizeCell(c, ser, rules))
}

func TestNormalizeCellDate(t *testing.T) {
	ser := testSerialization()
	rules := testRules()
	for _, in := range []string{"2024-03-05", "03/05/2024", "2024-03-05 10:22:33"} {
		c := types.Cell{Value: in, Type: types.ValueDate}
		assert.Equal(t, "2024-03-05", NormalizeCell(c, ser, rules), "input %q", in)
	}
}

func TestStrictVsNormalized(t *testing.T) {
	// Whitespace and case differences: raw hashes differ, normalized match.
	ser := testSerialization()
	rules := testRules()

	a := cells("1002", "west")
	b := cells("1002", " WEST ")

	require.NotEqual(t, RowHash(a, ser), RowHash(b, ser))
	assert.Equal(t, NormalizedRowHash(a, ser, rules), NormalizedRowHash(b, ser, rules))
}

func TestValueHashIsolation(t *testing.T) {
	ser := testSerialization()
	v := types.StringCell("east")

	// Same value under different property keys must not collide.
	assert.NotEqual(t, ValueHash("region", v, ser), ValueHash("zone", v, ser))
	// And the same candidate always hashes identically.
	assert.Equal(t, ValueHash("region", v, ser), ValueHash("region", v, ser))
}

func TestAssertionKeys(t *testing.T) {
	assert.Equal(t,
		"ws1:Location:1001:prop:region",
		PropertyKey("ws1", "Location", "1001", "region"))
	assert.Equal(t,
		"ws1:Device:d1:CONNECTS_TO:Device:d2",
		RelationshipKey("ws1", "Device", "d1", "CONNECTS_TO", "Device", "d2"))
}

func TestIdentityHashDeterministic(t *testing.T) {
	k := RelationshipKey("ws1", "Device", "d1", "CONNECTS_TO", "Device", "d2")
	assert.Equal(t, IdentityHash(k), IdentityHash(k))
	assert.Len(t, IdentityHash(k), 64)
}

func TestIsNullToken(t *testing.T) {
	rules := testRules()

	assert.True(t, IsNullToken(types.EmptyCell(), rules))
	assert.True(t, IsNullToken(types.Cell{Value: "N/A", Type: types.ValueString}, rules))
	assert.True(t, IsNullToken(types.Cell{Value: "-", Type: types.ValueString}, rules))
	assert.False(t, IsNullToken(types.Cell{Value: "east", Type: types.ValueString}, rules))

	// Tokens match the displayed value exactly; normalization runs later.
	assert.False(t, IsNullToken(types.Cell{Value: " N/A ", Type: types.ValueString}, rules))

	// Without declared tokens only physical emptiness counts.
	assert.False(t, IsNullToken(types.Cell{Value: "N/A", Type: types.ValueString}, spec.NormalizationRules{}))
}
