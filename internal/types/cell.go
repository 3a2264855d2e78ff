package types

// Cell is one tabular cell as read from a source file: the displayed string
// value plus the value type the mapping declares for its column. Empty
// marks a truly absent cell, distinct from an empty string.
type Cell struct {
	Value string
	Type  ValueType
	Empty bool
}

// StringCell builds a plain string cell.
func StringCell(v string) Cell { return Cell{Value: v, Type: ValueString} }

// EmptyCell is the absent-cell value.
func EmptyCell() Cell { return Cell{Empty: true} }
