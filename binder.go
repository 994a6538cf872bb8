package rowmap

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Scalar wraps a value to force it to be bound as a single placeholder even
// if it is a slice/array. Useful for ANY(:ids)-style idioms.
func Scalar(v any) any {
	return scalar{v: v}
}

// scalar is a wrapper to force scalar binding semantics.
type scalar struct {
	v any
}

// lexer states for walking SQL text without touching literals or comments.
const (
	sText = iota
	sSQ   // '...'
	sDQ   // "..."
	sBT   // `...` (MySQL/SQLite)
	sBR   // [...] (SQL Server)
	sLC   // line comment -- or # (MySQL only)
	sBC   // block comment /* ... */
	sDQD  // $tag$ ... $tag$ (dollar-quoted)
)

// binder renders :name placeholders of one command into dialect placeholders.
type binder struct {
	dialect Dialect
	config  Config
	values  map[string]any
	buf     strings.Builder
	args    []any
	n       int
}

// bind substitutes every :name placeholder in q with the dialect's positional
// placeholder and returns the driver arguments in order. Slices expand to a
// comma separated list (for IN (:ids)); []byte, driver.Valuer and Scalar
// values bind as one placeholder. Placeholders inside string literals,
// quoted identifiers and comments are left alone, as are :: casts.
func bind(dialect Dialect, q string, params []Param, config Config) (string, []any, error) {
	b := &binder{
		dialect: dialect,
		config:  config,
		values:  make(map[string]any, len(params)),
	}
	// Last one wins.
	for _, p := range params {
		b.values[p.Name] = p.Value
	}

	est := strings.Count(q, ":") - strings.Count(q, "::")
	if est < 0 {
		est = 0
	}
	b.args = make([]any, 0, est)
	// Small oversizing to reduce reallocations; some dialects emit longer tokens.
	extraPer := 1
	switch dialect {
	case Postgres, SQLServer:
		extraPer = 4
	}
	b.buf.Grow(len(q) + 16 + est*extraPer)

	state := sText
	var dqTag string // active dollar-quoted tag (Postgres-like)

	for i := 0; i < len(q); {
		c := q[i]

		switch state {
		case sText:
			if next, entered := b.enterLiteral(q, i, &state, &dqTag); entered {
				i = next
				continue
			}
			if c == ':' && i+1 < len(q) && q[i+1] != ':' && !(i > 0 && q[i-1] == ':') && isAlphaUnderscore(q[i+1]) {
				k := i + 2
				for k < len(q) && isAlphaNumUnderscore(q[k]) {
					k++
				}
				if err := b.emit(q[i+1 : k]); err != nil {
					return "", nil, err
				}
				i = k
				continue
			}
			b.buf.WriteByte(c)
			i++

		case sSQ, sDQ:
			quote := byte('\'')
			if state == sDQ {
				quote = '"'
			}
			if c == '\\' {
				b.buf.WriteByte(c)
				i++
				if i < len(q) {
					b.buf.WriteByte(q[i])
					i++
				}
				continue
			}
			i = b.closeDoubled(q, i, quote, &state)

		case sBT:
			i = b.closeDoubled(q, i, '`', &state)

		case sBR:
			i = b.closeDoubled(q, i, ']', &state)

		case sLC:
			b.buf.WriteByte(c)
			i++
			if c == '\n' || c == '\r' {
				state = sText
			}

		case sBC:
			b.buf.WriteByte(c)
			i++
			if c == '*' && i < len(q) && q[i] == '/' {
				b.buf.WriteByte('/')
				i++
				state = sText
			}

		case sDQD:
			p := strings.Index(q[i:], dqTag)
			if p < 0 {
				b.buf.WriteString(q[i:])
				i = len(q)
				continue
			}
			b.buf.WriteString(q[i : i+p+len(dqTag)])
			i += p + len(dqTag)
			dqTag = ""
			state = sText
		}
	}

	return b.buf.String(), b.args, nil
}

// enterLiteral copies the opening token of a literal, quoted identifier or
// comment starting at q[i] and switches state. It reports false when q[i]
// opens nothing.
func (b *binder) enterLiteral(q string, i int, state *int, dqTag *string) (int, bool) {
	c := q[i]
	switch {
	case c == '-' && i+1 < len(q) && q[i+1] == '-':
		*state = sLC
		b.buf.WriteString("--")
		return i + 2, true
	case c == '#' && b.dialect == MySQL:
		*state = sLC
	case c == '/' && i+1 < len(q) && q[i+1] == '*':
		*state = sBC
		b.buf.WriteString("/*")
		return i + 2, true
	case c == '\'':
		*state = sSQ
	case c == '"':
		*state = sDQ
	case c == '`' && (b.dialect == MySQL || b.dialect == SQLite):
		*state = sBT
	case c == '[' && b.dialect == SQLServer:
		*state = sBR
	case c == '$':
		tag, ok := readDollarTag(q[i:])
		if !ok {
			return i, false
		}
		*state = sDQD
		*dqTag = tag
		b.buf.WriteString(tag)
		return i + len(tag), true
	default:
		return i, false
	}
	b.buf.WriteByte(c)
	return i + 1, true
}

// closeDoubled copies q[i] and leaves the quoted state on an unescaped
// closing quote; a doubled quote is an escape.
func (b *binder) closeDoubled(q string, i int, quote byte, state *int) int {
	c := q[i]
	b.buf.WriteByte(c)
	i++
	if c == quote {
		if i < len(q) && q[i] == quote {
			b.buf.WriteByte(q[i])
			i++
		} else {
			*state = sText
		}
	}
	return i
}

// emit writes the placeholder(s) for parameter name.
func (b *binder) emit(name string) error {
	if b.config.MaxNameLen > 0 && len(name) > b.config.MaxNameLen {
		return fmt.Errorf("%w: %q (%d > %d)", ErrParamNameTooLong, name, len(name), b.config.MaxNameLen)
	}
	v, ok := b.values[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParamMissing, name)
	}

	switch x := v.(type) {
	case scalar:
		return b.single(x.v)
	case driver.Valuer, []byte:
		return b.single(v)
	}

	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return b.single(v)
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		// Byte slice aliases bind as []byte.
		if rv.Kind() == reflect.Slice && rv.Type().ConvertibleTo(reflect.TypeOf([]byte(nil))) {
			return b.single(rv.Convert(reflect.TypeOf([]byte(nil))).Interface())
		}
		return b.single(v)
	}

	ln := rv.Len()
	if ln == 0 {
		return fmt.Errorf("%w: %s", ErrSliceEmpty, name)
	}
	if err := b.ensureAdd(ln); err != nil {
		return err
	}
	for t := 0; t < ln; t++ {
		if t > 0 {
			b.buf.WriteString(", ")
		}
		b.n++
		writePlaceholder(&b.buf, b.dialect, b.n)
		b.args = append(b.args, rv.Index(t).Interface())
	}
	return nil
}

func (b *binder) single(v any) error {
	if err := b.ensureAdd(1); err != nil {
		return err
	}
	b.n++
	writePlaceholder(&b.buf, b.dialect, b.n)
	b.args = append(b.args, v)
	return nil
}

func (b *binder) ensureAdd(add int) error {
	if b.config.MaxParams > 0 && b.n+add > b.config.MaxParams {
		return fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, b.n+add, b.config.MaxParams)
	}
	return nil
}

// procedureText builds the call statement for a stored procedure, with one
// :name placeholder per parameter in order.
func procedureText(dialect Dialect, name string, params []Param) string {
	var b strings.Builder
	if dialect == SQLServer {
		b.WriteString("EXEC ")
		b.WriteString(name)
		for i, p := range params {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(" :")
			b.WriteString(p.Name)
		}
		return b.String()
	}
	b.WriteString("CALL ")
	b.WriteString(name)
	b.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte(':')
		b.WriteString(p.Name)
	}
	b.WriteByte(')')
	return b.String()
}

// writePlaceholder emits a dialect-specific placeholder token for argument idx.
func writePlaceholder(b *strings.Builder, d Dialect, idx int) {
	switch d {
	case Postgres:
		b.WriteByte('$')
		var tmp [20]byte
		n := strconv.AppendInt(tmp[:0], int64(idx), 10)
		b.Write(n)
	case SQLServer:
		b.WriteString("@p")
		var tmp [20]byte
		n := strconv.AppendInt(tmp[:0], int64(idx), 10)
		b.Write(n)
	default: // MySQL, SQLite
		b.WriteByte('?')
	}
}

// isAlphaUnderscore reports whether b is [A-Za-z_] .
func isAlphaUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '_'
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return isAlphaUnderscore(b) || (b >= '0' && b <= '9')
}

// readDollarTag detects a dollar-quoted opening tag ("$tag$") at the start of s.
// It returns the full tag (e.g. "$tag$") and true if found.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	for j < len(s) && isAlphaNumUnderscore(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1], true
	}
	return "", false
}
