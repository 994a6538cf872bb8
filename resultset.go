package rowmap

import (
	"context"
	"log/slog"
	"reflect"
	"slices"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// binding is a compiled materializer together with the schema it was
// compiled for.
type binding[R any] struct {
	checker     *ColumnChecker
	materialize Materializer[R]
}

// shape is a result type with its finalized property descriptors.
type shape struct {
	typ   reflect.Type
	props []*PropertyMapping
}

// mapResult finalizes the mapping of R, applying fn when set.
func mapResult[R any](fn func(*ResultMapping)) (shape, error) {
	rt := reflect.TypeOf((*R)(nil)).Elem()
	m := newResultMapping(rt)
	if fn != nil {
		fn(m)
	}
	props, err := m.finalize()
	if err != nil {
		return shape{}, err
	}
	return shape{typ: rt, props: props}, nil
}

// schemaBinder is the part of a resultSet that does not depend on its row
// type.
type schemaBinder interface {
	reset()
	checker() *ColumnChecker
}

// resultSet maps one result set of a command into R. It keeps the current
// schema binding and compiles a new one when a cursor presents different
// columns.
type resultSet[R any] struct {
	props       []*PropertyMapping
	aliases     []string
	key         Fingerprint // materializer entry in the processor cache
	fingerprint Fingerprint
	cache       *Cache
	mode        CacheMode
	interval    float64
	pinned      bool // materializers never expire
	expected    int
	current     atomic.Pointer[binding[R]]
	compiles    singleflight.Group
	log         *slog.Logger
}

// newResultSet registers the index-th result set of c, mapped through s.
func newResultSet[R, F any](c *core[F], index int, s shape) *resultSet[R] {
	rs := &resultSet[R]{
		props:       s.props,
		key:         c.fingerprint,
		fingerprint: c.fingerprint,
		cache:       c.cache,
		mode:        CachePermanent,
		pinned:      true,
		expected:    c.cfg.expected,
		log:         c.log,
	}
	if c.cfg.caching && c.cfg.target == CacheMaterializer {
		rs.mode, rs.interval = c.cfg.mode, c.cfg.interval
		rs.pinned = rs.mode == CachePermanent
	}
	if index > 0 {
		rs.key = newFingerprinter().addFingerprint(c.fingerprint).add("result set", strconv.Itoa(index)).sum()
		rs.log = c.log.With(slog.Int("result_set", index))
	}
	for _, prop := range s.props {
		if prop.alias != "" {
			rs.aliases = append(rs.aliases, prop.alias)
		}
	}
	c.sets = append(c.sets, rs)
	return rs
}

func (s *resultSet[R]) execErr(err error) error {
	return &ExecutionError{Fingerprint: s.fingerprint, Err: err}
}

// read binds the schema of the cursor's current result set and materializes
// its rows. With capture set it also returns the raw values, from which a
// cache hit rebuilds the rows.
func (s *resultSet[R]) read(ctx context.Context, rows Rows, capture bool) ([]R, *rowSet[R], error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, s.execErr(err)
	}
	if len(cols) == 0 {
		return nil, nil, ErrNoColumns
	}
	b, err := s.bind(cols)
	if err != nil {
		return nil, nil, err
	}

	var snap *rowSet[R]
	if capture {
		snap = &rowSet[R]{b: b}
	}
	out := make([]R, 0, s.expected)
	raw := make(Values, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if !rows.Next() {
			break
		}
		clear(raw)
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, s.execErr(err)
		}
		rec := raw
		if capture {
			rec = copyValues(raw)
			snap.raw = append(snap.raw, rec)
		}
		v, err := b.materialize(rec)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, v)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, nil, s.execErr(err)
	}
	return out, snap, nil
}

// readNext advances the cursor and reads the next result set. A command that
// returns fewer result sets yields no rows for the missing ones.
func (s *resultSet[R]) readNext(ctx context.Context, rows Rows, capture bool) ([]R, *rowSet[R], error) {
	if !rows.NextResultSet() {
		if err := rows.Err(); err != nil {
			return nil, nil, s.execErr(err)
		}
		s.log.DebugContext(ctx, "result set missing")
		var snap *rowSet[R]
		if capture {
			snap = &rowSet[R]{}
		}
		return make([]R, 0), snap, nil
	}
	return s.read(ctx, rows, capture)
}

// bind returns a binding for cols, reusing the current one while the schema
// is unchanged. Concurrent compiles for the same schema are collapsed.
func (s *resultSet[R]) bind(cols []string) (*binding[R], error) {
	if s.pinned {
		if b := s.current.Load(); b != nil && b.checker.Matches(cols) {
			return b, nil
		}
	}
	if item, ok := s.cache.TryGet(s.key); ok {
		if b, ok := item.Payload().(*binding[R]); ok && b.checker.Matches(cols) {
			s.current.Store(b)
			return b, nil
		}
	}

	sig := columnsSignature(cols)
	v, err, shared := s.compiles.Do(sig, func() (any, error) {
		if prev := s.current.Load(); prev != nil {
			s.log.Debug("schema changed", slog.Any("columns", cols), slog.Any("previous", prev.checker.Columns()))
		}
		return s.compile(Resolve(cols, s.aliases))
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.log.Debug("shared compile", slog.String("signature", sig))
	}
	return v.(*binding[R]), nil
}

// compile builds the materializer for checker, stores it and makes it
// current.
func (s *resultSet[R]) compile(checker *ColumnChecker) (*binding[R], error) {
	m, err := Compile[R](s.props, checker)
	if err != nil {
		return nil, err
	}
	b := &binding[R]{checker: checker, materialize: m}
	if err := s.cache.Put(s.key, b, s.mode, s.interval); err != nil {
		return nil, err
	}
	s.current.Store(b)
	s.log.Debug("compiled materializer",
		slog.Any("columns", checker.Columns()),
		slog.Any("unresolved", checker.Unresolved()),
		slog.String("mode", s.mode.String()),
	)
	return b, nil
}

func (s *resultSet[R]) reset() {
	s.current.Store(nil)
	s.cache.Delete(s.key)
}

func (s *resultSet[R]) checker() *ColumnChecker {
	if b := s.current.Load(); b != nil {
		return b.checker
	}
	return nil
}

// rowSet is a result set as stored in the result cache: the raw column
// values and the binding that maps them. Every hit materializes new rows, so
// callers never share memory with the cache or with one another.
type rowSet[R any] struct {
	b   *binding[R]
	raw []Values
}

func (s *rowSet[R]) replay() ([]R, error) {
	out := make([]R, 0, len(s.raw))
	for _, rec := range s.raw {
		v, err := s.b.materialize(copyValues(rec))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// copyValues copies a row, including the contents of []byte values.
func copyValues(raw Values) Values {
	out := slices.Clone(raw)
	for i, v := range out {
		if b, ok := v.([]byte); ok {
			out[i] = slices.Clone(b)
		}
	}
	return out
}
