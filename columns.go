package rowmap

import (
	"slices"
	"strings"
)

// ColumnChecker binds column aliases to ordinals for one result schema.
// It is immutable: when a cursor presents a different schema, a new checker
// is resolved and swapped in by the owner.
type ColumnChecker struct {
	ordinals   map[string]int // normalized alias -> ordinal, -1 when unresolved
	unresolved []string
	columns    []string
	signature  string
}

// Resolve builds a ColumnChecker for the ordered column names of a cursor and
// the declared aliases. Matching is case-insensitive and ignores identifier
// quoting ("x", `x`, [x]). When a column name repeats, the first ordinal wins.
// Aliases without a column are recorded as unresolved, once each.
func Resolve(columns []string, aliases []string) *ColumnChecker {
	byName := make(map[string]int, len(columns))
	for i, c := range columns {
		n := normalizeColumn(c)
		if _, dup := byName[n]; !dup {
			byName[n] = i
		}
	}

	cc := &ColumnChecker{
		ordinals:  make(map[string]int, len(aliases)),
		columns:   slices.Clone(columns),
		signature: columnsSignature(columns),
	}
	for _, a := range aliases {
		n := normalizeColumn(a)
		if _, seen := cc.ordinals[n]; seen {
			continue
		}
		if i, ok := byName[n]; ok {
			cc.ordinals[n] = i
			continue
		}
		cc.ordinals[n] = -1
		cc.unresolved = append(cc.unresolved, a)
	}
	return cc
}

// Matches reports whether columns has the same signature as the schema the
// checker was resolved against. A nil checker matches nothing.
func (c *ColumnChecker) Matches(columns []string) bool {
	if c == nil {
		return false
	}
	if len(columns) != len(c.columns) {
		return false
	}
	return columnsSignature(columns) == c.signature
}

// Ordinal returns the column ordinal bound to alias. ok is false when the
// alias was declared but missing from the schema, or never declared.
func (c *ColumnChecker) Ordinal(alias string) (int, bool) {
	i, ok := c.ordinals[normalizeColumn(alias)]
	if !ok || i < 0 {
		return -1, false
	}
	return i, true
}

// HasColumn reports whether alias was declared and resolved.
func (c *ColumnChecker) HasColumn(alias string) bool {
	_, ok := c.Ordinal(alias)
	return ok
}

// Unresolved returns the declared aliases that had no matching column.
func (c *ColumnChecker) Unresolved() []string {
	return slices.Clone(c.unresolved)
}

// Resolved returns how many declared aliases were bound to a column.
func (c *ColumnChecker) Resolved() int {
	return len(c.ordinals) - len(c.unresolved)
}

// Columns returns the schema the checker was resolved against.
func (c *ColumnChecker) Columns() []string {
	return slices.Clone(c.columns)
}

// Signature returns the structural signature of the bound schema.
func (c *ColumnChecker) Signature() string {
	return c.signature
}

// columnsSignature returns a stable signature string for an ordered list of column names.
// It avoids allocations of a slice of bytes by using a strings.Builder and a rarely
// used delimiter to prevent collisions.
func columnsSignature(cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	const sep = "\x1f" // unit separator; unlikely to appear in column names
	var b strings.Builder
	// Small capacity hint
	total := 0
	for _, c := range cols {
		total += len(c) + 1
	}
	b.Grow(total)
	for i, c := range cols {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(c)
	}
	return b.String()
}

// normalizeColumn strips one layer of identifier quoting and lower-cases ASCII.
func normalizeColumn(s string) string {
	if l := len(s); l >= 2 {
		switch s[0] {
		case '"':
			if s[l-1] == '"' {
				s = s[1 : l-1]
			}
		case '`':
			if s[l-1] == '`' {
				s = s[1 : l-1]
			}
		case '[':
			if s[l-1] == ']' {
				s = s[1 : l-1]
			}
		}
	}
	return toLowerASCII(s)
}

func toLowerASCII(s string) string {
	need := false
	for i := 0; i < len(s); i++ {
		if c := s[i]; 'A' <= c && c <= 'Z' {
			need = true
			break
		}
	}
	if !need {
		return s
	}
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b[i] = c
	}
	return string(b)
}
