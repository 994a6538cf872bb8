package rowmap

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/constraints"
)

// ConvertFunc converts a raw column value into a value of the target type.
// It is the per-property conversion hook; Convert is the shared default.
type ConvertFunc func(target reflect.Type, raw any) (any, error)

var (
	scannerIface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	timeType     = reflect.TypeOf(time.Time{})

	errNoConversion = errors.New("no conversion available")
	errOutOfRange   = errors.New("value out of range")
	errFraction     = errors.New("value has a fractional part")
)

// timeLayouts are tried in order when a time.Time is parsed from text.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// Convert is the default conversion routine. NULL (nil) becomes the zero value
// of target, values already assignable are returned unchanged, and numeric,
// string, bool, []byte and time.Time targets get the usual widening,
// narrowing (range checked) and textual conversions. Types whose pointer
// implements sql.Scanner receive the raw value through Scan.
//
// It returns a *ConversionError when no reasonable conversion exists.
func Convert(target reflect.Type, raw any) (any, error) {
	v, err := convertValue(target, raw)
	if err != nil {
		return nil, &ConversionError{Target: target, Value: raw, Err: err}
	}
	return v.Interface(), nil
}

// ConvertTo is the generic form of Convert.
func ConvertTo[T any](raw any) (T, error) {
	var zero T
	v, err := Convert(reflect.TypeOf((*T)(nil)).Elem(), raw)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}

// convertValue is the reflective core of Convert. The returned value always
// has type target.
func convertValue(target reflect.Type, raw any) (reflect.Value, error) {
	if isNil(raw) {
		return reflect.Zero(target), nil
	}
	if b, ok := raw.([]byte); ok {
		// The result never aliases the source buffer.
		raw = append([]byte(nil), b...)
	}
	src := reflect.ValueOf(raw)
	if src.Type() == target {
		return src, nil
	}

	// *T implements sql.Scanner: let the type decode itself.
	if reflect.PointerTo(target).Implements(scannerIface) {
		dst := reflect.New(target)
		if err := dst.Interface().(sql.Scanner).Scan(raw); err != nil {
			return reflect.Value{}, err
		}
		return dst.Elem(), nil
	}

	if target.Kind() == reflect.Pointer {
		elem, err := convertValue(target.Elem(), raw)
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(target.Elem())
		p.Elem().Set(elem)
		return p, nil
	}

	if src.Type().AssignableTo(target) {
		out := reflect.New(target).Elem()
		out.Set(src)
		return out, nil
	}
	if target.Kind() == reflect.Interface {
		return reflect.Value{}, errNoConversion
	}

	// Pointers on the source side are transparent.
	for src.Kind() == reflect.Pointer {
		if src.IsNil() {
			return reflect.Zero(target), nil
		}
		src = src.Elem()
	}
	raw = src.Interface()

	out := reflect.New(target).Elem()
	switch target.Kind() {
	case reflect.String:
		out.SetString(toString(src))
		return out, nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		if out.OverflowInt(n) {
			return reflect.Value{}, errOutOfRange
		}
		out.SetInt(n)
		return out, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := toUint64(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		if out.OverflowUint(n) {
			return reflect.Value{}, errOutOfRange
		}
		out.SetUint(n)
		return out, nil

	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		if out.OverflowFloat(f) {
			return reflect.Value{}, errOutOfRange
		}
		out.SetFloat(f)
		return out, nil

	case reflect.Bool:
		b, err := toBool(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetBool(b)
		return out, nil

	case reflect.Slice:
		if target.Elem().Kind() == reflect.Uint8 {
			switch x := raw.(type) {
			case []byte:
				out.SetBytes(append([]byte(nil), x...))
				return out, nil
			case string:
				out.SetBytes([]byte(x))
				return out, nil
			}
		}

	case reflect.Struct:
		if target == timeType || target.ConvertibleTo(timeType) {
			t, err := toTime(raw)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(t).Convert(target), nil
		}
	}

	if src.Type().ConvertibleTo(target) && src.Kind() == target.Kind() {
		return src.Convert(target), nil
	}
	return reflect.Value{}, errNoConversion
}

// isNil reports whether v is nil or a typed nil pointer/map/slice/interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// toString renders src the way a caller would expect to read it as text.
func toString(src reflect.Value) string {
	switch x := src.Interface().(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}
	if src.Kind() == reflect.String {
		return src.String()
	}
	return fmt.Sprint(src.Interface())
}

func toInt64(raw any) (int64, error) {
	switch x := raw.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint64:
		return unsignedToInt(x)
	case uint:
		return unsignedToInt(x)
	case uint32:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case float64:
		return wholeFloat(x)
	case float32:
		return wholeFloat(x)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		return parseInt(x)
	case []byte:
		return parseInt(string(x))
	}
	return reflectNumber(raw, toInt64)
}

func toUint64(raw any) (uint64, error) {
	switch x := raw.(type) {
	case uint64:
		return x, nil
	case uint:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case string, []byte:
		s := strings.TrimSpace(asText(x))
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u, nil
		}
	}
	n, err := toInt64(raw)
	if err != nil {
		return 0, err
	}
	return signedToUnsigned(n)
}

func toFloat64(raw any) (float64, error) {
	switch x := raw.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case string, []byte:
		return strconv.ParseFloat(strings.TrimSpace(asText(x)), 64)
	}
	return reflectNumber(raw, toFloat64)
}

func toBool(raw any) (bool, error) {
	switch x := raw.(type) {
	case bool:
		return x, nil
	case string, []byte:
		return strconv.ParseBool(strings.TrimSpace(asText(x)))
	}
	n, err := toInt64(raw)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func toTime(raw any) (time.Time, error) {
	switch x := raw.(type) {
	case time.Time:
		return x, nil
	case string, []byte:
		s := strings.TrimSpace(asText(x))
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
	}
	rv := reflect.ValueOf(raw)
	if rv.Type().ConvertibleTo(timeType) {
		return rv.Convert(timeType).Interface().(time.Time), nil
	}
	return time.Time{}, errNoConversion
}

// reflectNumber handles named source types (type Status int) by converting
// them to their builtin kind and retrying with conv.
func reflectNumber[N constraints.Integer | constraints.Float](raw any, conv func(any) (N, error)) (N, error) {
	rv := reflect.ValueOf(raw)
	if rv.Type().PkgPath() == "" {
		return 0, errNoConversion
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return conv(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return conv(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return conv(rv.Float())
	case reflect.Bool:
		return conv(rv.Bool())
	case reflect.String:
		return conv(rv.String())
	}
	return 0, errNoConversion
}

func unsignedToInt[U constraints.Unsigned](u U) (int64, error) {
	if uint64(u) > math.MaxInt64 {
		return 0, errOutOfRange
	}
	return int64(u), nil
}

func signedToUnsigned[I constraints.Signed](n I) (uint64, error) {
	if n < 0 {
		return 0, errOutOfRange
	}
	return uint64(n), nil
}

func wholeFloat[F constraints.Float](f F) (int64, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) || v < math.MinInt64 || v >= math.MaxInt64 {
		return 0, errOutOfRange
	}
	if v != math.Trunc(v) {
		return 0, errFraction
	}
	return int64(v), nil
}

func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return wholeFloat(f)
}

func asText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return ""
}
