// Package graph is the only component that speaks the backing store's
// query language (nGQL). It assembles and escapes statements, decodes
// store-native results into typed records, and hides every store quirk:
// reserved words, the missing NULL filter, and datetime representations.
package graph

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/evergraph/evergraph/internal/types"
)

// reservedWords are store keywords that must never appear as property
// names. The schema renames them at the boundary (timestamp → ts,
// desc → descr) and the gateway refuses any identifier that collides.
var reservedWords = map[string]bool{
	"timestamp": true,
	"desc":      true,
	"date":      true,
	"datetime":  true,
	"time":      true,
	"order":     true,
	"group":     true,
	"match":     true,
	"go":        true,
	"set":       true,
	"delete":    true,
	"update":    true,
	"insert":    true,
	"fetch":     true,
	"lookup":    true,
	"yield":     true,
	"vertex":    true,
	"edge":      true,
	"tag":       true,
	"where":     true,
	"limit":     true,
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ident validates a user-supplied identifier (tag, edge, property name)
// before it is interpolated into a statement.
func ident(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", types.Validationf("invalid identifier %q", name)
	}
	if reservedWords[strings.ToLower(name)] {
		return "", types.Validationf("identifier %q collides with a store reserved word", name)
	}
	return name, nil
}

// escapeString quotes a string value for interpolation. Single-quoted with
// backslash escapes, matching the store's string literal rules.
func escapeString(v string) string {
	var b strings.Builder
	b.Grow(len(v) + 2)
	b.WriteByte('\'')
	for _, r := range v {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// litString renders a string literal, litOptString renders NULL for empty.
func litString(v string) string { return escapeString(v) }

func litOptString(v string) string {
	if v == "" {
		return "NULL"
	}
	return escapeString(v)
}

// litTime renders a datetime literal in the store's expected shape. All
// times are stored in UTC.
func litTime(t time.Time) string {
	return fmt.Sprintf(`datetime("%s")`, t.UTC().Format("2006-01-02T15:04:05.000000"))
}

func litOptTime(t *time.Time) string {
	if t == nil {
		return "NULL"
	}
	return litTime(*t)
}

func litInt(v int) string { return fmt.Sprintf("%d", v) }

func litFloat(v float64) string { return fmt.Sprintf("%g", v) }

// vid renders a vertex ID literal. IDs are stored as fixed-width hex, so
// escaping is trivial, but everything still goes through the quoter.
func vid(id string) string { return escapeString(id) }
