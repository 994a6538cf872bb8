package rowmap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
)

// CacheTarget selects which payload the caching mode configured with
// WithResultCaching governs.
type CacheTarget int

const (
	// CacheResults caches materialized result sets per parameter values.
	// Materializers are then kept permanently.
	CacheResults CacheTarget = iota
	// CacheMaterializer applies the configured mode to the compiled
	// materializer; result sets are not cached.
	CacheMaterializer
)

// ProcessorOption configures a Processor.
type ProcessorOption func(*processorConfig)

type processorConfig struct {
	mappings  map[int]func(*ResultMapping)
	caching   bool
	mode      CacheMode
	interval  float64
	target    CacheTarget
	expected  int
	logger    *slog.Logger
	cacheOpts []CacheOption
}

// WithResultMapping customizes the property descriptors of the result type.
// For processors with several result sets it configures the first one.
func WithResultMapping(fn func(*ResultMapping)) ProcessorOption {
	return WithResultSetMapping(0, fn)
}

// WithResultSetMapping customizes the property descriptors of the result set
// at index, counted from 0.
func WithResultSetMapping(index int, fn func(*ResultMapping)) ProcessorOption {
	return func(c *processorConfig) {
		if c.mappings == nil {
			c.mappings = make(map[int]func(*ResultMapping))
		}
		c.mappings[index] = fn
	}
}

// WithResultCaching activates caching with the given mode and interval
// (seconds for CacheTimeSpan, read budget for CacheRepeatedRequestLimit).
func WithResultCaching(mode CacheMode, interval float64) ProcessorOption {
	return func(c *processorConfig) {
		c.caching = true
		c.mode = mode
		c.interval = interval
	}
}

// WithCacheTarget selects what the configured caching mode applies to.
func WithCacheTarget(target CacheTarget) ProcessorOption {
	return func(c *processorConfig) { c.target = target }
}

// WithExpectedSize preallocates result slices for n rows.
func WithExpectedSize(n int) ProcessorOption {
	return func(c *processorConfig) { c.expected = n }
}

// WithLogger sets the logger for cache and compile events.
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(c *processorConfig) { c.logger = l }
}

// WithCacheOptions configures the cache the processor owns, e.g. WithClock.
func WithCacheOptions(opts ...CacheOption) ProcessorOption {
	return func(c *processorConfig) { c.cacheOpts = append(c.cacheOpts, opts...) }
}

// Result is the outcome of an asynchronous execution.
type Result[R any] struct {
	Rows []R
	Err  error
}

// core is what every processor shares regardless of its result types: the
// command, the cache it owns and the result caching protocol.
type core[F any] struct {
	id          uuid.UUID
	cmd         *Command[F]
	fingerprint Fingerprint
	cfg         processorConfig
	cache       *Cache
	log         *slog.Logger
	sets        []schemaBinder
}

// newCore validates opts for a processor with the given number of result
// sets.
func newCore[F any](cmd *Command[F], opts []ProcessorOption, sets int) (*core[F], error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrConfiguration)
	}
	cfg := processorConfig{mode: CacheNone, target: CacheResults}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.caching {
		if err := validateCacheMode(cfg.mode, cfg.interval); err != nil {
			return nil, err
		}
	}
	if cfg.target != CacheResults && cfg.target != CacheMaterializer {
		return nil, fmt.Errorf("%w: unknown cache target %d", ErrConfiguration, int(cfg.target))
	}
	for i := range cfg.mappings {
		if i < 0 || i >= sets {
			return nil, fmt.Errorf("%w: mapping for result set %d, processor has %d", ErrConfiguration, i, sets)
		}
	}
	if cfg.expected < 0 {
		cfg.expected = 0
	}
	return &core[F]{
		id:    uuid.New(),
		cmd:   cmd,
		cfg:   cfg,
		cache: NewCache(cfg.cacheOpts...),
	}, nil
}

// seal computes the fingerprint over the command and the result shapes and
// sets up the logger. It must run before result sets are registered.
func (c *core[F]) seal(shapes ...shape) {
	f := newFingerprinter().addFingerprint(c.cmd.Fingerprint())
	for _, s := range shapes {
		f.add("result", s.typ.String())
		for _, prop := range s.props {
			f.add(prop.name, prop.alias, prop.typ.String())
			if prop.custom {
				// Conversion funcs cannot be compared.
				f.add(c.id.String())
			}
		}
	}
	c.fingerprint = f.sum()

	logger := c.cfg.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c.log = logger.With(
		slog.String("processor", c.id.String()),
		slog.String("fingerprint", c.fingerprint.String()),
	)
}

// run binds the parameters and either returns a cached payload, or executes
// the command and hands the cursor to read. The payload returned by read is
// cached when result caching is on; run then returns nil.
func (c *core[F]) run(ctx context.Context, exec Executor, filter F, explicit []Param,
	read func(ctx context.Context, rows Rows, capture bool) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := c.cmd.Bind(filter, explicit...)

	cacheResults := c.cfg.caching && c.cfg.target == CacheResults
	var key Fingerprint
	if cacheResults {
		key = paramsFingerprint(c.fingerprint, params)
		if item, ok := c.cache.TryGet(key); ok {
			c.log.DebugContext(ctx, "result cache hit", slog.String("key", key.String()), slog.Int64("calls", item.CallCount()))
			return item.Payload(), nil
		}
		c.log.DebugContext(ctx, "result cache miss", slog.String("key", key.String()))
	}

	rows, err := exec.Query(ctx, c.cmd.Info(), params)
	if err != nil {
		return nil, &ExecutionError{Fingerprint: c.fingerprint, Err: err}
	}
	snap, err := read(ctx, rows, cacheResults)
	if cerr := rows.Close(); err == nil && cerr != nil {
		err = &ExecutionError{Fingerprint: c.fingerprint, Err: cerr}
	}
	if err != nil {
		return nil, err
	}

	if cacheResults {
		if err := c.cache.Put(key, snap, c.cfg.mode, c.cfg.interval); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// ID returns the processor identity used in log records.
func (c *core[F]) ID() uuid.UUID { return c.id }

// Fingerprint returns the structural hash of the command and result mapping.
func (c *core[F]) Fingerprint() Fingerprint { return c.fingerprint }

// Command returns the command the processor executes.
func (c *core[F]) Command() *Command[F] { return c.cmd }

// FlushCache drops every cached result set and materializer of the
// processor.
func (c *core[F]) FlushCache() {
	c.cache.Flush()
	for _, s := range c.sets {
		s.reset()
	}
	c.log.Debug("cache flushed")
}

// ClearColumnIndex forgets the schema bindings; the next execution resolves
// and compiles again.
func (c *core[F]) ClearColumnIndex() {
	for _, s := range c.sets {
		s.reset()
	}
}

// ColumnIndexes returns the checker of the current binding of every result
// set, in order. Unbound result sets are nil.
func (c *core[F]) ColumnIndexes() []*ColumnChecker {
	out := make([]*ColumnChecker, len(c.sets))
	for i, s := range c.sets {
		out[i] = s.checker()
	}
	return out
}

// Processor executes a Command and materializes every row into R. A
// Processor is safe for concurrent use: its descriptors are immutable and the
// current schema binding is swapped atomically. Its cache is private.
type Processor[F, R any] struct {
	*core[F]
	set *resultSet[R]
}

// NewProcessor builds a processor for cmd. The result mapping is finalized
// here: unknown properties, duplicate aliases and a CacheNone caching request
// are configuration errors.
func NewProcessor[F, R any](cmd *Command[F], opts ...ProcessorOption) (*Processor[F, R], error) {
	c, err := newCore(cmd, opts, 1)
	if err != nil {
		return nil, err
	}
	s, err := mapResult[R](c.cfg.mappings[0])
	if err != nil {
		return nil, err
	}
	c.seal(s)
	return &Processor[F, R]{core: c, set: newResultSet[R](c, 0, s)}, nil
}

// Mappings returns the finalized property descriptors in declaration order.
func (p *Processor[F, R]) Mappings() []*PropertyMapping { return slices.Clone(p.set.props) }

// Execute runs the command with the parameters bound from filter and
// explicit, and materializes every row. On a result cache hit the executor
// is not called and the rows are rebuilt from the cached values. Cancellation
// of ctx yields ctx.Err() and no partial result.
func (p *Processor[F, R]) Execute(ctx context.Context, exec Executor, filter F, explicit ...Param) ([]R, error) {
	var out []R
	cached, err := p.run(ctx, exec, filter, explicit, func(ctx context.Context, rows Rows, capture bool) (any, error) {
		var (
			snap *rowSet[R]
			err  error
		)
		out, snap, err = p.set.read(ctx, rows, capture)
		return snap, err
	})
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached.(*rowSet[R]).replay()
	}
	return out, nil
}

// ExecuteAsync runs Execute on its own goroutine. The returned channel
// delivers exactly one Result and is then closed.
func (p *Processor[F, R]) ExecuteAsync(ctx context.Context, exec Executor, filter F, explicit ...Param) <-chan Result[R] {
	ch := make(chan Result[R], 1)
	go func() {
		defer close(ch)
		rows, err := p.Execute(ctx, exec, filter, explicit...)
		ch <- Result[R]{Rows: rows, Err: err}
	}()
	return ch
}

// ColumnIndex returns the checker of the current schema binding, or nil.
func (p *Processor[F, R]) ColumnIndex() *ColumnChecker { return p.set.checker() }

// UpdateColumnIndex compiles a materializer for checker and makes it current.
func (p *Processor[F, R]) UpdateColumnIndex(checker *ColumnChecker) error {
	if checker == nil {
		return fmt.Errorf("%w: nil column checker", ErrConfiguration)
	}
	_, err := p.set.compile(checker)
	return err
}

// ScalarResult is the outcome of an asynchronous scalar execution.
type ScalarResult[T any] struct {
	Value T
	Err   error
}

// ExecuteScalar runs cmd and converts the first column of the first row to T.
// It returns sql.ErrNoRows when the command yields no rows.
func ExecuteScalar[T, F any](ctx context.Context, exec Executor, cmd *Command[F], filter F, explicit ...Param) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	rows, err := exec.Query(ctx, cmd.Info(), cmd.Bind(filter, explicit...))
	if err != nil {
		return zero, &ExecutionError{Fingerprint: cmd.Fingerprint(), Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return zero, &ExecutionError{Fingerprint: cmd.Fingerprint(), Err: err}
	}
	if len(cols) == 0 {
		return zero, ErrNoColumns
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return zero, &ExecutionError{Fingerprint: cmd.Fingerprint(), Err: err}
		}
		return zero, sql.ErrNoRows
	}
	raw := make(Values, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return zero, &ExecutionError{Fingerprint: cmd.Fingerprint(), Err: err}
	}
	return ConvertTo[T](raw[0])
}

// ExecuteScalarAsync runs ExecuteScalar on its own goroutine. The returned
// channel delivers exactly one ScalarResult and is then closed.
func ExecuteScalarAsync[T, F any](ctx context.Context, exec Executor, cmd *Command[F], filter F, explicit ...Param) <-chan ScalarResult[T] {
	ch := make(chan ScalarResult[T], 1)
	go func() {
		defer close(ch)
		v, err := ExecuteScalar[T](ctx, exec, cmd, filter, explicit...)
		ch <- ScalarResult[T]{Value: v, Err: err}
	}()
	return ch
}

// ExecuteNonQuery runs cmd and returns the number of affected rows.
func ExecuteNonQuery[F any](ctx context.Context, exec Executor, cmd *Command[F], filter F, explicit ...Param) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := exec.Exec(ctx, cmd.Info(), cmd.Bind(filter, explicit...))
	if err != nil {
		return 0, &ExecutionError{Fingerprint: cmd.Fingerprint(), Err: err}
	}
	return n, nil
}
