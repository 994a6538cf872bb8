package rowmap

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"reflect"
	"time"

	"github.com/zeebo/xxh3"
)

// Fingerprint is a 128-bit structural hash identifying a command shape (or a
// command shape plus parameter values, for result caching).
type Fingerprint xxh3.Uint128

// String returns the fingerprint as 32 hex digits.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x%016x", f.Hi, f.Lo)
}

// IsZero reports whether f is the zero fingerprint.
func (f Fingerprint) IsZero() bool {
	return f.Hi == 0 && f.Lo == 0
}

// fingerprinter accumulates delimited parts into an xxh3 hash.
type fingerprinter struct {
	h *xxh3.Hasher
}

func newFingerprinter() *fingerprinter {
	return &fingerprinter{h: xxh3.New()}
}

// add writes each part followed by a unit separator so that adjacent parts
// cannot run together.
func (f *fingerprinter) add(parts ...string) *fingerprinter {
	for _, p := range parts {
		_, _ = f.h.WriteString(p)
		_, _ = f.h.Write([]byte{0x1f})
	}
	return f
}

func (f *fingerprinter) addFingerprint(fp Fingerprint) *fingerprinter {
	b := xxh3.Uint128(fp).Bytes()
	_, _ = f.h.Write(b[:])
	return f
}

func (f *fingerprinter) sum() Fingerprint {
	return Fingerprint(f.h.Sum128())
}

// valueKey renders a parameter value for hashing. Equal values render equally
// regardless of how they were obtained (monotonic clock readings, Valuers).
func valueKey(v any) string {
	if vr, ok := v.(driver.Valuer); ok {
		dv, err := vr.Value()
		if err != nil {
			return fmt.Sprintf("%T!err", v)
		}
		return fmt.Sprintf("%T=%s", v, valueKey(dv))
	}
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case []byte:
		return "[]byte=" + hex.EncodeToString(x)
	case time.Time:
		return "time=" + x.UTC().Format(time.RFC3339Nano)
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return fmt.Sprintf("%T=<nil>", v)
		}
		return "*" + valueKey(rv.Elem().Interface())
	}
	return fmt.Sprintf("%T=%#v", v, v)
}

// paramsFingerprint derives the result-cache key for one execution of the
// command identified by base.
func paramsFingerprint(base Fingerprint, params []Param) Fingerprint {
	f := newFingerprinter().addFingerprint(base)
	for _, p := range params {
		f.add(p.Name, valueKey(p.Value))
	}
	return f.sum()
}
