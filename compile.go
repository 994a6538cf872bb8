package rowmap

import (
	"errors"
	"fmt"
	"reflect"
)

// Record is one row of a cursor, readable by ordinal.
type Record interface {
	FieldCount() int
	Value(ordinal int) any
}

// Values is a Record over an in-memory slice of column values.
type Values []any

func (v Values) FieldCount() int       { return len(v) }
func (v Values) Value(ordinal int) any { return v[ordinal] }

// Materializer turns one row into one new instance of R. A compiled
// Materializer captures only immutable state and is safe for concurrent use.
type Materializer[R any] func(rec Record) (R, error)

// compileStep is one (ordinal, conversion, setter) triple.
type compileStep struct {
	ordinal int
	column  string
	prop    *PropertyMapping
}

// Compile assembles the Materializer for R from its property descriptors and
// a checker bound to the cursor's schema. Properties whose alias is unresolved
// are skipped and keep their zero value; if there are properties but none of
// them resolves, the schema is incompatible with R and an error matching both
// ErrSchemaMismatch and ErrConversion is returned.
//
// R may be a struct, a pointer to a struct, or a single-column value type
// (primitives, time.Time, sql.Scanner implementations).
func Compile[R any](props []*PropertyMapping, checker *ColumnChecker) (Materializer[R], error) {
	if checker == nil {
		return nil, fmt.Errorf("%w: nil column checker", ErrConfiguration)
	}
	rt := reflect.TypeOf((*R)(nil)).Elem()
	base, isPtr := resultBase(rt)

	if !isStructResult(base) {
		return compileValue[R](props, checker, rt)
	}

	steps := make([]compileStep, 0, len(props))
	owner := make(map[int]*PropertyMapping, len(props))
	for _, p := range props {
		i, ok := checker.Ordinal(p.alias)
		if !ok {
			continue
		}
		if prev, dup := owner[i]; dup {
			return nil, fmt.Errorf("%w: column %q matches both %q and %q",
				ErrFieldAmbiguous, checker.columns[i], prev.name, p.name)
		}
		owner[i] = p
		steps = append(steps, compileStep{ordinal: i, column: checker.columns[i], prop: p})
	}
	if len(props) > 0 && len(steps) == 0 {
		return nil, fmt.Errorf("%w: %w: no alias of %s found in columns %v",
			ErrConversion, ErrSchemaMismatch, rt, checker.columns)
	}
	width := len(checker.columns)

	return func(rec Record) (R, error) {
		var zero R
		if rec.FieldCount() < width {
			return zero, fmt.Errorf("%w: record has %d fields, want %d", ErrSchemaMismatch, rec.FieldCount(), width)
		}
		ptr := reflect.New(base)
		root := ptr.Elem()
		for _, s := range steps {
			raw := rec.Value(s.ordinal)
			v, err := s.prop.convert(s.prop.typ, raw)
			if err != nil {
				return zero, rowError(err, s.prop, s.column, raw)
			}
			if err := assign(fieldByIndexAlloc(root, s.prop.index), v); err != nil {
				return zero, rowError(err, s.prop, s.column, raw)
			}
		}
		if isPtr {
			return ptr.Interface().(R), nil
		}
		return root.Interface().(R), nil
	}, nil
}

// compileValue handles single-column results. Without an alias the value is
// read from column 0.
func compileValue[R any](props []*PropertyMapping, checker *ColumnChecker, rt reflect.Type) (Materializer[R], error) {
	if len(checker.columns) == 0 {
		return nil, ErrNoColumns
	}
	p := &PropertyMapping{typ: rt, convert: Convert}
	if len(props) > 0 {
		p = props[0]
	}
	ordinal := 0
	if p.alias != "" {
		i, ok := checker.Ordinal(p.alias)
		if !ok {
			return nil, fmt.Errorf("%w: %w: column %q not found in %v",
				ErrConversion, ErrSchemaMismatch, p.alias, checker.columns)
		}
		ordinal = i
	} else if len(checker.columns) != 1 {
		return nil, fmt.Errorf("%w: %w: scanning %s requires exactly 1 column; got %d",
			ErrConversion, ErrSchemaMismatch, rt, len(checker.columns))
	}
	column := checker.columns[ordinal]

	return func(rec Record) (R, error) {
		var out R
		raw := rec.Value(ordinal)
		v, err := p.convert(rt, raw)
		if err != nil {
			return out, rowError(err, p, column, raw)
		}
		if err := assign(reflect.ValueOf(&out).Elem(), v); err != nil {
			return out, rowError(err, p, column, raw)
		}
		return out, nil
	}, nil
}

// resultBase unwraps one pointer layer around a struct result type.
func resultBase(rt reflect.Type) (reflect.Type, bool) {
	if rt.Kind() == reflect.Pointer && isStructResult(rt.Elem()) {
		return rt.Elem(), true
	}
	return rt, false
}

// assign stores v into dst. Custom conversions may return values that are
// merely convertible; those go through the default coercion.
func assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.SetZero()
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(dst.Type()) {
		dst.Set(rv)
		return nil
	}
	cv, err := convertValue(dst.Type(), v)
	if err != nil {
		return err
	}
	dst.Set(cv)
	return nil
}

// rowError attaches column and property context to a conversion failure.
func rowError(err error, p *PropertyMapping, column string, raw any) error {
	var ce *ConversionError
	if errors.As(err, &ce) {
		out := *ce
		out.Column = column
		out.Property = p.name
		if out.Property == "" {
			out.Property = p.typ.String()
		}
		return &out
	}
	name := p.name
	if name == "" {
		name = p.typ.String()
	}
	return &ConversionError{Target: p.typ, Value: raw, Column: column, Property: name, Err: err}
}

// fieldByIndexAlloc walks a struct by index path, allocating intermediate
// pointer nodes on the way (but NOT allocating the leaf pointer itself).
func fieldByIndexAlloc(root reflect.Value, path []int) reflect.Value {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			// Leaf: return field as-is (if it's a pointer, keep it as pointer)
			return f
		}
		// Intermediate: allocate if pointer and nil; then descend
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			v = f.Elem()
		} else {
			v = f
		}
	}
	return v
}
