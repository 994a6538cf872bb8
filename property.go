package rowmap

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// KeyValue is a generic key/value result type, handy for two-column lookups.
// Map its properties with ForProperty("Key") and ForProperty("Value").
type KeyValue[K, V any] struct {
	Key   K
	Value V
}

// PropertyMapping describes how one destination property is populated: the
// column alias it reads, the conversion applied to the raw value and the
// field path it is assigned to. It is immutable once the owning Processor is
// built.
type PropertyMapping struct {
	name    string // dotted Go field path; empty for non-struct results
	index   []int
	typ     reflect.Type
	alias   string
	convert ConvertFunc
	custom  bool // conversion overridden by the caller
	renamed bool // alias set through UseAlias
}

// Name returns the dotted Go field path (e.g. "Address.City").
func (p *PropertyMapping) Name() string { return p.name }

// Alias returns the column name the property expects in the result schema.
func (p *PropertyMapping) Alias() string { return p.alias }

// Type returns the declared type of the property.
func (p *PropertyMapping) Type() reflect.Type { return p.typ }

// Convert applies the property's conversion routine to raw.
func (p *PropertyMapping) Convert(raw any) (any, error) {
	return p.convert(p.typ, raw)
}

// ResultMapping is the configuration surface handed to the callback given to
// WithResultMapping. Every exported field of the result struct is registered
// up front with its default alias (its `db` tag, or the field name).
type ResultMapping struct {
	resultType reflect.Type
	props      []*PropertyMapping
	ignored    map[*PropertyMapping]bool
	err        error
}

// PropertyConfig configures a single property. Obtain it via
// ResultMapping.ForProperty.
type PropertyConfig struct {
	m *ResultMapping
	p *PropertyMapping
}

// newResultMapping registers the default descriptor table for t.
func newResultMapping(t reflect.Type) *ResultMapping {
	m := &ResultMapping{resultType: t, ignored: make(map[*PropertyMapping]bool)}
	base, _ := resultBase(t)
	if !isStructResult(base) {
		// Primitives, time.Time and scanners read column 0.
		m.props = []*PropertyMapping{{typ: t, convert: Convert}}
		return m
	}
	for _, fi := range typeFields(base).fields {
		m.props = append(m.props, &PropertyMapping{
			name:    fi.path,
			index:   fi.index,
			typ:     fi.typ,
			alias:   fi.alias,
			convert: Convert,
		})
	}
	return m
}

// ForProperty returns the configuration for the named property. name is the
// dotted field path ("Address.City") or, when unique, the bare field name.
// Unknown names are reported when the Processor is built.
func (m *ResultMapping) ForProperty(name string) *PropertyConfig {
	p, err := m.lookup(name)
	if err != nil && m.err == nil {
		m.err = err
	}
	return &PropertyConfig{m: m, p: p}
}

// Ignore removes the named property from the mapping; it keeps its zero value.
func (m *ResultMapping) Ignore(name string) *ResultMapping {
	p, err := m.lookup(name)
	if err != nil {
		if m.err == nil {
			m.err = err
		}
		return m
	}
	m.ignored[p] = true
	return m
}

// UseAlias makes the property read from the column named alias
// (matched case-insensitively).
func (c *PropertyConfig) UseAlias(alias string) *PropertyConfig {
	if c.p == nil {
		return c
	}
	if strings.TrimSpace(alias) == "" {
		c.m.fail(fmt.Errorf("%w: empty alias for property %q", ErrConfiguration, c.p.name))
		return c
	}
	c.p.alias = alias
	c.p.renamed = true
	return c
}

// ProcessValueUsing replaces the conversion routine of the property. fn
// receives the declared property type and the raw column value, and must
// return a value assignable to that type.
func (c *PropertyConfig) ProcessValueUsing(fn ConvertFunc) *PropertyConfig {
	if c.p == nil {
		return c
	}
	if fn == nil {
		c.m.fail(fmt.Errorf("%w: nil conversion for property %q", ErrConfiguration, c.p.name))
		return c
	}
	c.p.convert = fn
	c.p.custom = true
	return c
}

func (m *ResultMapping) fail(err error) {
	if m.err == nil {
		m.err = err
	}
}

func (m *ResultMapping) lookup(name string) (*PropertyMapping, error) {
	var found *PropertyMapping
	for _, p := range m.props {
		if p.name == name {
			return p, nil
		}
		if leafName(p.name) == name {
			if found != nil {
				return nil, fmt.Errorf("%w: %q on %s", ErrFieldAmbiguous, name, m.resultType)
			}
			found = p
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: unknown property %q on %s", ErrConfiguration, name, m.resultType)
	}
	return found, nil
}

// finalize validates the configuration and returns the immutable descriptor
// table, in declaration order. An alias set through UseAlias must not be
// shared with any other property. Default aliases may repeat (Owner.ID and
// ID both default to "ID"); Compile reports them only when the column is
// present.
func (m *ResultMapping) finalize() ([]*PropertyMapping, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*PropertyMapping, 0, len(m.props))
	seen := make(map[string]*PropertyMapping, len(m.props))
	for _, p := range m.props {
		if m.ignored[p] {
			continue
		}
		if p.name != "" {
			key := normalizeColumn(p.alias)
			if prev, dup := seen[key]; dup && (prev.renamed || p.renamed) {
				return nil, fmt.Errorf("%w: alias %q used by both %q and %q", ErrConfiguration, p.alias, prev.name, p.name)
			}
			seen[key] = p
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func leafName(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// isStructResult reports whether t is mapped property by property, as opposed
// to a single-column value.
func isStructResult(t reflect.Type) bool {
	if t.Kind() != reflect.Struct {
		return false
	}
	if t == timeType || reflect.PointerTo(t).Implements(scannerIface) {
		return false
	}
	return true
}

// --------------------------------
// Type index
// --------------------------------

var typeIndexCache = newGenCache[reflect.Type, *typeIndex](cacheSize)

// fieldInfo describes a mappable leaf field.
type fieldInfo struct {
	path  string // dotted Go field path
	alias string // `db` tag name or field name
	index []int  // full index path for FieldByIndex-like ops
	typ   reflect.Type
}

// typeIndex lists the leaf fields of a struct type in declaration order.
type typeIndex struct {
	fields []fieldInfo
}

// typeFields returns the flattened leaf fields of t. It descends into nested
// and embedded structs (excluding time.Time and sql.Scanner types), honors
// `db:"name"` tags and skips `db:"-"`. The result is cached.
func typeFields(t reflect.Type) *typeIndex {
	if idx, ok := typeIndexCache.get(t); ok {
		return idx
	}

	idx := &typeIndex{}
	visited := map[reflect.Type]bool{}
	var walk func(rt reflect.Type, index []int, prefix string)

	walk = func(rt reflect.Type, index []int, prefix string) {
		for rt.Kind() == reflect.Pointer {
			rt = rt.Elem()
		}
		if rt.Kind() != reflect.Struct || visited[rt] {
			return
		}
		visited[rt] = true
		defer delete(visited, rt)

		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if f.PkgPath != "" { // unexported
				continue
			}
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			alias := f.Name
			if name, _, _ := strings.Cut(tag, ","); name != "" {
				alias = name
			}

			path := f.Name
			if prefix != "" {
				path = prefix + "." + f.Name
			}

			if shouldFlatten(f.Type) {
				// Embedded structs promote their fields.
				next := path
				if f.Anonymous {
					next = prefix
				}
				walk(f.Type, appendIndex(index, i), next)
				continue
			}
			idx.fields = append(idx.fields, fieldInfo{
				path:  path,
				alias: alias,
				index: appendIndex(index, i),
				typ:   f.Type,
			})
		}
	}

	walk(t, nil, "")
	typeIndexCache.put(t, idx)
	return idx
}

// shouldFlatten decides whether to descend into ft (struct or *struct).
func shouldFlatten(ft reflect.Type) bool {
	// If *T implements sql.Scanner → treat as leaf (no flatten)
	if reflect.PointerTo(ft).Implements(scannerIface) || ft.Implements(scannerIface) {
		return false
	}
	tt := ft
	if tt.Kind() == reflect.Pointer {
		tt = tt.Elem()
	}
	if tt.Kind() != reflect.Struct {
		return false
	}
	// Do not flatten time.Time (common leaf struct)
	if tt == timeType {
		return false
	}
	return true
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// genCache implements a two-tier map with cheap rotation to bound memory.
// 'curr' is the hot set; 'prev' is the previous generation. Lookups promote.
type genCache[K comparable, V any] struct {
	mu   sync.RWMutex
	curr map[K]V
	prev map[K]V
	max  int
}

// newGenCache creates a new two-tier cache with a max size hint.
func newGenCache[K comparable, V any](max int) *genCache[K, V] {
	if max <= 0 {
		max = cacheSize
	}
	return &genCache[K, V]{
		curr: make(map[K]V, max/2),
		prev: make(map[K]V),
		max:  max,
	}
}

// get returns the cached value for k if present, promoting it to the
// current generation when found in the previous one.
func (c *genCache[K, V]) get(k K) (V, bool) {
	c.mu.RLock()
	if v, ok := c.curr[k]; ok {
		c.mu.RUnlock()
		return v, true
	}
	if v, ok := c.prev[k]; ok {
		c.mu.RUnlock()
		c.put(k, v)
		return v, true
	}
	c.mu.RUnlock()
	var zero V
	return zero, false
}

// put stores v for k, rotating generations if needed.
func (c *genCache[K, V]) put(k K, v V) {
	c.mu.Lock()
	if len(c.curr) >= c.max {
		c.prev = c.curr
		c.curr = make(map[K]V, c.max/2)
	}
	c.curr[k] = v
	c.mu.Unlock()
}
