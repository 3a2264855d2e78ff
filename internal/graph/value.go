package graph

import (
	"time"

	"github.com/evergraph/evergraph/internal/types"
)

// Kind discriminates neutral result values.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
)

// Value is a store-agnostic result cell. The runner decodes the store's
// native values into these; "unset" and "explicit null" both decode to
// KindNull so callers see a single logical null.
type Value struct {
	Kind Kind
	Str  string
	Int  int64
	Flt  float64
	Bool bool
	Time time.Time
}

// Null, S, I, F, B, T are construction helpers used by the runners and by
// test fakes.
func Null() Value         { return Value{Kind: KindNull} }
func S(v string) Value    { return Value{Kind: KindString, Str: v} }
func I(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func F(v float64) Value   { return Value{Kind: KindFloat, Flt: v} }
func B(v bool) Value      { return Value{Kind: KindBool, Bool: v} }
func T(v time.Time) Value { return Value{Kind: KindTime, Time: v.UTC()} }

// IsNull reports logical null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// AsString returns the string form, empty for null.
func (v Value) AsString() string {
	if v.Kind == KindString {
		return v.Str
	}
	return ""
}

// AsInt returns the integer form, zero for null.
func (v Value) AsInt() int64 {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return int64(v.Flt)
	}
	return 0
}

// AsFloat returns the float form, accepting integer cells.
func (v Value) AsFloat() float64 {
	switch v.Kind {
	case KindFloat:
		return v.Flt
	case KindInt:
		return float64(v.Int)
	}
	return 0
}

// AsTime returns the decoded calendar time, zero for null.
func (v Value) AsTime() time.Time {
	if v.Kind == KindTime {
		return v.Time
	}
	return time.Time{}
}

// AsTimePtr returns nil for null, matching optional datetime columns.
func (v Value) AsTimePtr() *time.Time {
	if v.Kind != KindTime {
		return nil
	}
	t := v.Time
	return &t
}

// Row is one result row.
type Row []Value

// Result is a decoded statement result.
type Result struct {
	Rows []Row
}

// Empty reports whether the result has no rows.
func (r *Result) Empty() bool { return len(r.Rows) == 0 }

// col fetches a column defensively; out-of-range reads decode as null.
func (row Row) col(i int) Value {
	if i < 0 || i >= len(row) {
		return Null()
	}
	return row[i]
}

// rowErr guards decoders that require a minimum width.
func rowWidth(row Row, want int) error {
	if len(row) < want {
		return types.Internalf("result row has %d columns, want %d", len(row), want)
	}
	return nil
}
