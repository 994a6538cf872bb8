package rowmap

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// CommandInfo is what an Executor needs to run a command.
type CommandInfo struct {
	Text string
	Type CommandType
}

// Command is an immutable command definition: text, kind, and the parameter
// descriptors extracted from the filter type F.
//
// Parameters derive from F at definition time:
//   - struct (or *struct): one parameter per exported leaf field, named by its
//     `db` tag or field name, flattened through nested structs;
//   - map with string keys: every entry, sorted by key, at execution time;
//   - anything else (e.g. struct{} or any): no filter parameters.
type Command[F any] struct {
	info        CommandInfo
	params      []paramDescriptor
	mapFilter   bool
	filterType  reflect.Type
	fingerprint Fingerprint
}

// paramDescriptor is a parameter name plus the routine that extracts its
// value from a filter.
type paramDescriptor struct {
	name string
	typ  reflect.Type // nil for custom extractors
	get  func(filter any) any
}

// CommandOption configures a Command.
type CommandOption func(*commandConfig)

type commandConfig struct {
	rename  map[string]string
	exclude map[string]bool
	extra   []extraParam
}

type extraParam struct {
	name   string
	filter reflect.Type
	get    func(any) any
}

// IncludeProperty binds the filter property (dotted field path, field name or
// tag name) under the parameter name alias instead of its default name.
func IncludeProperty(property, alias string) CommandOption {
	return func(c *commandConfig) {
		c.rename[property] = alias
	}
}

// ExcludeProperty drops the filter property from the parameter set.
func ExcludeProperty(property string) CommandOption {
	return func(c *commandConfig) {
		c.exclude[property] = true
	}
}

// WithParameter adds a computed parameter. F must match the command's filter
// type.
func WithParameter[F any](name string, get func(F) any) CommandOption {
	return func(c *commandConfig) {
		c.extra = append(c.extra, extraParam{
			name:   name,
			filter: reflect.TypeOf((*F)(nil)).Elem(),
			get: func(v any) any {
				f, _ := v.(F)
				return get(f)
			},
		})
	}
}

// NewCommand defines a command. Empty text, a WithParameter extractor for a
// different filter type, or two parameters sharing a name are configuration
// errors.
func NewCommand[F any](text string, kind CommandType, opts ...CommandOption) (*Command[F], error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: no command text provided", ErrConfiguration)
	}
	if kind != Text && kind != StoredProcedure {
		return nil, fmt.Errorf("%w: unsupported command type %d", ErrConfiguration, int(kind))
	}
	cfg := &commandConfig{rename: map[string]string{}, exclude: map[string]bool{}}
	for _, opt := range opts {
		opt(cfg)
	}

	ft := reflect.TypeOf((*F)(nil)).Elem()
	cmd := &Command[F]{
		info:       CommandInfo{Text: text, Type: kind},
		filterType: ft,
	}

	base := ft
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	switch {
	case base.Kind() == reflect.Map && base.Key().Kind() == reflect.String:
		cmd.mapFilter = true
	case base.Kind() == reflect.Struct && base != timeType:
		for _, fi := range typeFields(base).fields {
			if cfg.exclude[fi.path] || cfg.exclude[leafName(fi.path)] || cfg.exclude[fi.alias] {
				continue
			}
			name := fi.alias
			for _, k := range []string{fi.path, leafName(fi.path), fi.alias} {
				if alias, ok := cfg.rename[k]; ok {
					name = alias
					break
				}
			}
			index := fi.index
			cmd.params = append(cmd.params, paramDescriptor{
				name: name,
				typ:  fi.typ,
				get: func(v any) any {
					val, _ := getValueByPathAny(reflect.ValueOf(v), index)
					return val
				},
			})
		}
	}

	for _, ep := range cfg.extra {
		if ep.filter != ft {
			return nil, fmt.Errorf("%w: parameter %q extracts from %s, command filter is %s",
				ErrConfiguration, ep.name, ep.filter, ft)
		}
		cmd.params = append(cmd.params, paramDescriptor{name: ep.name, get: ep.get})
	}

	seen := make(map[string]bool, len(cmd.params))
	for _, p := range cmd.params {
		if seen[p.name] {
			return nil, fmt.Errorf("%w: duplicate parameter %q", ErrConfiguration, p.name)
		}
		seen[p.name] = true
	}

	cmd.fingerprint = cmd.computeFingerprint()
	return cmd, nil
}

// Info returns the command text and kind.
func (c *Command[F]) Info() CommandInfo { return c.info }

// Fingerprint returns the structural hash of the command definition.
func (c *Command[F]) Fingerprint() Fingerprint { return c.fingerprint }

// ParameterNames returns the names of the filter-derived parameters in order.
func (c *Command[F]) ParameterNames() []string {
	names := make([]string, len(c.params))
	for i, p := range c.params {
		names[i] = p.name
	}
	return names
}

// Bind extracts the parameters of filter and applies the explicit ones on
// top: an explicit parameter replaces a filter parameter of the same name.
func (c *Command[F]) Bind(filter F, explicit ...Param) []Param {
	out := make([]Param, 0, len(c.params)+len(explicit))

	fv := reflect.ValueOf(&filter).Elem()
	nilFilter := (fv.Kind() == reflect.Pointer || fv.Kind() == reflect.Map || fv.Kind() == reflect.Interface) && fv.IsNil()

	if c.mapFilter && !nilFilter {
		m := deIndirect(fv)
		keys := make([]string, 0, m.Len())
		vals := make(map[string]any, m.Len())
		iter := m.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			keys = append(keys, k)
			vals[k] = iter.Value().Interface()
		}
		slices.Sort(keys)
		for _, k := range keys {
			out = append(out, Param{Name: k, Value: vals[k]})
		}
	}
	for _, p := range c.params {
		switch {
		case p.typ == nil:
			// Computed parameters run even for nil filters.
			out = setParam(out, Param{Name: p.name, Value: p.get(filter)})
		case nilFilter:
			out = append(out, Param{Name: p.name})
		default:
			out = append(out, Param{Name: p.name, Value: p.get(filter)})
		}
	}

	for _, e := range explicit {
		out = setParam(out, e)
	}
	return out
}

// setParam replaces the parameter named like p, or appends p.
func setParam(params []Param, p Param) []Param {
	if i := slices.IndexFunc(params, func(q Param) bool { return q.Name == p.Name }); i >= 0 {
		params[i] = p
		return params
	}
	return append(params, p)
}

func (c *Command[F]) computeFingerprint() Fingerprint {
	f := newFingerprinter().add(c.info.Type.String(), c.info.Text, c.filterType.String())
	if c.mapFilter {
		f.add("map")
	}
	for _, p := range c.params {
		t := "custom"
		if p.typ != nil {
			t = p.typ.String()
		}
		f.add(p.name, t)
	}
	return f.sum()
}

// deIndirect unwraps interface and pointers until a concrete value (or nil).
func deIndirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

// getValueByPathAny extracts the value at the end of 'path' from 'root'.
// If a pointer along the path is nil, it returns (nil, true) to represent SQL NULL.
// Returns (value, true) on success, or (nil, false) on structural mismatch.
func getValueByPathAny(root reflect.Value, path []int) (any, bool) {
	v := root
	// Initial unwrap of interface
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, true
		}
		v = v.Elem()
	}
	for i, idx := range path {
		// Follow pointers if necessary
		for v.IsValid() && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return nil, true
			}
			v = v.Elem()
		}
		if !v.IsValid() || v.Kind() != reflect.Struct {
			return nil, false
		}
		v = v.Field(idx)
		if i == len(path)-1 {
			// Leaf
			for v.IsValid() && v.Kind() == reflect.Interface {
				if v.IsNil() {
					return nil, true
				}
				v = v.Elem()
			}
			if v.Kind() == reflect.Pointer && v.IsNil() {
				return nil, true
			}
			return v.Interface(), true
		}
	}
	return nil, false
}
