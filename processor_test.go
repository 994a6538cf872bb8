package rowmap

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExec is an Executor serving fresh in-memory cursors.
type fakeExec struct {
	mu       sync.Mutex
	queries  int
	execs    int
	last     []Param
	cols     []string
	data     [][]any
	onNext   func(i int)
	err      error
	affected int64
	more     []*rowsLike // result sets after the first
}

func (e *fakeExec) Query(_ context.Context, _ CommandInfo, params []Param) (Rows, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queries++
	e.last = params
	if e.err != nil {
		return nil, e.err
	}
	return &rowsLike{cols: e.cols, data: e.data, onNext: e.onNext, more: e.more}, nil
}

func (e *fakeExec) Exec(_ context.Context, _ CommandInfo, params []Param) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.execs++
	e.last = params
	return e.affected, e.err
}

func (e *fakeExec) setSchema(cols []string, data ...[]any) {
	e.mu.Lock()
	e.cols, e.data = cols, data
	e.mu.Unlock()
}

func (e *fakeExec) queryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queries
}

type idFilter struct {
	ID int `db:"id"`
}

func newRecordProcessor(t *testing.T, opts ...ProcessorOption) *Processor[idFilter, record] {
	t.Helper()
	cmd, err := NewCommand[idFilter]("SELECT Id, Data, Date FROM t WHERE Id >= :id", Text)
	require.NoError(t, err)
	p, err := NewProcessor[idFilter, record](cmd, opts...)
	require.NoError(t, err)
	return p
}

// TestProcessor_Execute_SQLMock runs a full round trip through DBExecutor.
func TestProcessor_Execute_SQLMock(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	date := time.Date(2015, 4, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT Id, Data, Date FROM t WHERE Id >= $1")).WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"Id", "Data", "Date"}).
			AddRow(1, "foo", date).
			AddRow(2, []byte("bar"), nil))

	p := newRecordProcessor(t)
	got, err := p.Execute(context.Background(), NewDBExecutor(db, Postgres), idFilter{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, []record{
		{Id: 1, Data: "foo", Date: date},
		{Id: 2, Data: "bar"},
	}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestProcessor_Execute_Empty returns an empty, non-nil slice.
func TestProcessor_Execute_Empty(t *testing.T) {
	exec := &fakeExec{cols: []string{"Id"}}
	got, err := newRecordProcessor(t).Execute(context.Background(), exec, idFilter{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestProcessor_KeyValue_ReversedColumns(t *testing.T) {
	cmd, err := NewCommand[struct{}]("SELECT name AS Value, id AS Key FROM t", Text)
	require.NoError(t, err)
	p, err := NewProcessor[struct{}, KeyValue[int, string]](cmd)
	require.NoError(t, err)

	exec := &fakeExec{cols: []string{"Value", "Key"}, data: [][]any{{"one", int64(1)}, {"two", int64(2)}}}
	got, err := p.Execute(context.Background(), exec, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, []KeyValue[int, string]{{1, "one"}, {2, "two"}}, got)
}

// TestProcessor_ExplicitParamsOverrideFilter ensures explicit parameters
// reach the executor in place of filter ones.
func TestProcessor_ExplicitParamsOverrideFilter(t *testing.T) {
	exec := &fakeExec{cols: []string{"Id"}}
	_, err := newRecordProcessor(t).Execute(context.Background(), exec, idFilter{ID: 1}, Param{Name: "id", Value: 5})
	require.NoError(t, err)
	assert.Equal(t, []Param{{Name: "id", Value: 5}}, exec.last)
}

// TestProcessor_MaterializerReused_UntilSchemaChanges checks that the
// column binding survives executions with the same schema and is rebuilt
// when the schema changes.
func TestProcessor_MaterializerReused_UntilSchemaChanges(t *testing.T) {
	p := newRecordProcessor(t)
	exec := &fakeExec{}
	exec.setSchema([]string{"Id", "Data"}, []any{int64(1), "a"})

	assert.Nil(t, p.ColumnIndex())
	_, err := p.Execute(context.Background(), exec, idFilter{})
	require.NoError(t, err)
	first := p.ColumnIndex()
	require.NotNil(t, first)

	_, err = p.Execute(context.Background(), exec, idFilter{})
	require.NoError(t, err)
	assert.Same(t, first, p.ColumnIndex())

	exec.setSchema([]string{"Data", "Id"}, []any{"b", int64(2)})
	got, err := p.Execute(context.Background(), exec, idFilter{})
	require.NoError(t, err)
	assert.Equal(t, []record{{Id: 2, Data: "b"}}, got)
	assert.NotSame(t, first, p.ColumnIndex())
	assert.Equal(t, []string{"Data", "Id"}, p.ColumnIndex().Columns())
}

func TestProcessor_ClearAndUpdateColumnIndex(t *testing.T) {
	p := newRecordProcessor(t)
	exec := &fakeExec{cols: []string{"Id"}, data: [][]any{{int64(1)}}}
	_, err := p.Execute(context.Background(), exec, idFilter{})
	require.NoError(t, err)
	first := p.ColumnIndex()

	p.ClearColumnIndex()
	assert.Nil(t, p.ColumnIndex())
	_, err = p.Execute(context.Background(), exec, idFilter{})
	require.NoError(t, err)
	assert.NotSame(t, first, p.ColumnIndex())

	cc := Resolve([]string{"Id"}, []string{"Id", "Data", "Date"})
	require.NoError(t, p.UpdateColumnIndex(cc))
	assert.Same(t, cc, p.ColumnIndex())
	_, err = p.Execute(context.Background(), exec, idFilter{})
	require.NoError(t, err)
	assert.Same(t, cc, p.ColumnIndex())

	assert.ErrorIs(t, p.UpdateColumnIndex(nil), ErrConfiguration)
	assert.ErrorIs(t, p.UpdateColumnIndex(Resolve([]string{"x"}, []string{"Id"})), ErrSchemaMismatch)
}

// TestProcessor_ResultCache_KeyedByParameters ensures cached results are only
// served for identical parameter values.
func TestProcessor_ResultCache_KeyedByParameters(t *testing.T) {
	p := newRecordProcessor(t, WithResultCaching(CachePermanent, 0))
	exec := &fakeExec{cols: []string{"Id"}, data: [][]any{{int64(1)}}}
	ctx := context.Background()

	a, err := p.Execute(ctx, exec, idFilter{ID: 1})
	require.NoError(t, err)
	b, err := p.Execute(ctx, exec, idFilter{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, exec.queryCount())

	_, err = p.Execute(ctx, exec, idFilter{ID: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, exec.queryCount())

	_, err = p.Execute(ctx, exec, idFilter{ID: 1}, Param{Name: "id", Value: 9})
	require.NoError(t, err)
	assert.Equal(t, 3, exec.queryCount())

	// Callers own the slices they get.
	b[0].Data = "mutated"
	c, err := p.Execute(ctx, exec, idFilter{ID: 1})
	require.NoError(t, err)
	assert.Empty(t, c[0].Data)
	assert.Equal(t, 3, exec.queryCount())

	p.FlushCache()
	assert.Nil(t, p.ColumnIndex())
	_, err = p.Execute(ctx, exec, idFilter{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, exec.queryCount())
}

// TestProcessor_ResultCache_RepeatedRequestLimit serves exactly N cached
// reads before querying again.
func TestProcessor_ResultCache_RepeatedRequestLimit(t *testing.T) {
	p := newRecordProcessor(t, WithResultCaching(CacheRepeatedRequestLimit, 2))
	exec := &fakeExec{cols: []string{"Id"}, data: [][]any{{int64(1)}}}
	for i := 0; i < 4; i++ {
		_, err := p.Execute(context.Background(), exec, idFilter{})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, exec.queryCount())
}

func TestProcessor_ResultCache_TimeSpan(t *testing.T) {
	clk := newFakeClock()
	p := newRecordProcessor(t,
		WithResultCaching(CacheTimeSpan, 30),
		WithCacheOptions(WithClock(clk.Now)),
	)
	exec := &fakeExec{cols: []string{"Id"}, data: [][]any{{int64(1)}}}
	ctx := context.Background()

	_, _ = p.Execute(ctx, exec, idFilter{})
	clk.Advance(29 * time.Second)
	_, _ = p.Execute(ctx, exec, idFilter{})
	assert.Equal(t, 1, exec.queryCount())

	clk.Advance(time.Second)
	_, _ = p.Execute(ctx, exec, idFilter{})
	assert.Equal(t, 2, exec.queryCount())
}

// TestProcessor_CacheMaterializer_Expires applies the configured mode to the
// materializer instead of the results.
func TestProcessor_CacheMaterializer_Expires(t *testing.T) {
	clk := newFakeClock()
	p := newRecordProcessor(t,
		WithResultCaching(CacheTimeSpan, 10),
		WithCacheTarget(CacheMaterializer),
		WithCacheOptions(WithClock(clk.Now)),
	)
	exec := &fakeExec{cols: []string{"Id"}, data: [][]any{{int64(1)}}}
	ctx := context.Background()

	_, err := p.Execute(ctx, exec, idFilter{})
	require.NoError(t, err)
	first := p.ColumnIndex()
	_, err = p.Execute(ctx, exec, idFilter{})
	require.NoError(t, err)
	assert.Same(t, first, p.ColumnIndex())
	assert.Equal(t, 2, exec.queryCount(), "results are not cached")

	clk.Advance(10 * time.Second)
	_, err = p.Execute(ctx, exec, idFilter{})
	require.NoError(t, err)
	assert.NotSame(t, first, p.ColumnIndex())
}

// TestProcessor_CachesArePrivate keeps processors with the same definition
// from serving or flushing each other's entries.
func TestProcessor_CachesArePrivate(t *testing.T) {
	a := newRecordProcessor(t, WithResultCaching(CachePermanent, 0))
	b := newRecordProcessor(t, WithResultCaching(CachePermanent, 0))
	require.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.ID(), b.ID())

	exec := &fakeExec{cols: []string{"Id"}, data: [][]any{{int64(1)}}}
	ctx := context.Background()
	_, err := a.Execute(ctx, exec, idFilter{})
	require.NoError(t, err)
	_, err = b.Execute(ctx, exec, idFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, exec.queryCount())
	assert.NotSame(t, a.ColumnIndex(), b.ColumnIndex())

	b.FlushCache()
	_, err = a.Execute(ctx, exec, idFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, exec.queryCount(), "a still serves its own entry")
	assert.NotNil(t, a.ColumnIndex())
	assert.Nil(t, b.ColumnIndex())
}

// TestProcessor_ResultCache_PointerRowsAreFresh rebuilds pointer rows on
// every hit so callers cannot reach the cached values.
func TestProcessor_ResultCache_PointerRowsAreFresh(t *testing.T) {
	cmd, err := NewCommand[idFilter]("SELECT Id, Data FROM t WHERE Id >= :id", Text)
	require.NoError(t, err)
	p, err := NewProcessor[idFilter, *record](cmd, WithResultCaching(CachePermanent, 0))
	require.NoError(t, err)

	exec := &fakeExec{cols: []string{"Id", "Data"}, data: [][]any{{int64(1), []byte("orig")}}}
	ctx := context.Background()
	first, err := p.Execute(ctx, exec, idFilter{})
	require.NoError(t, err)
	first[0].Data = "mutated by caller"

	second, err := p.Execute(ctx, exec, idFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, exec.queryCount())
	assert.Equal(t, "orig", second[0].Data)
	assert.NotSame(t, first[0], second[0])

	second[0].Id = 99
	third, err := p.Execute(ctx, exec, idFilter{})
	require.NoError(t, err)
	assert.Equal(t, &record{Id: 1, Data: "orig"}, third[0])
}

// TestProcessor_ResultCache_BytesNotShared copies driver buffers into the
// cache so later reuse of the buffer cannot leak into hits.
func TestProcessor_ResultCache_BytesNotShared(t *testing.T) {
	type blobRow struct {
		Id      int
		Payload []byte
	}
	cmd, err := NewCommand[struct{}]("SELECT Id, Payload FROM t", Text)
	require.NoError(t, err)
	p, err := NewProcessor[struct{}, blobRow](cmd, WithResultCaching(CachePermanent, 0))
	require.NoError(t, err)

	buf := []byte("abc")
	exec := &fakeExec{cols: []string{"Id", "Payload"}, data: [][]any{{int64(1), buf}}}
	first, err := p.Execute(context.Background(), exec, struct{}{})
	require.NoError(t, err)
	buf[0] = 'x'
	first[0].Payload[1] = 'y'

	again, err := p.Execute(context.Background(), exec, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again[0].Payload)
}

// TestProcessor_Fingerprint_CustomConversionsArePrivate keeps processors with
// custom conversions from sharing materializers.
func TestProcessor_Fingerprint_CustomConversionsArePrivate(t *testing.T) {
	custom := WithResultMapping(func(m *ResultMapping) {
		m.ForProperty("Data").ProcessValueUsing(Convert)
	})
	a := newRecordProcessor(t, custom)
	b := newRecordProcessor(t, custom)
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	c := newRecordProcessor(t, WithResultMapping(func(m *ResultMapping) { m.ForProperty("Data").UseAlias("payload") }))
	assert.NotEqual(t, newRecordProcessor(t).Fingerprint(), c.Fingerprint())
}

// TestProcessor_Cancellation_MidCursor returns ctx.Err() and no partial
// result when cancelled between rows.
func TestProcessor_Cancellation_MidCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExec{
		cols:   []string{"Id"},
		data:   [][]any{{int64(1)}, {int64(2)}, {int64(3)}},
		onNext: func(i int) {
			if i == 1 {
				cancel()
			}
		},
	}
	got, err := newRecordProcessor(t).Execute(ctx, exec, idFilter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, got)
}

func TestProcessor_Cancellation_BeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := &fakeExec{cols: []string{"Id"}}
	_, err := newRecordProcessor(t).Execute(ctx, exec, idFilter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, exec.queryCount())
}

// TestProcessor_ExecutionError_Unwraps wraps executor failures with the
// command fingerprint.
func TestProcessor_ExecutionError_Unwraps(t *testing.T) {
	p := newRecordProcessor(t)
	_, err := p.Execute(context.Background(), &fakeExec{err: sql.ErrConnDone}, idFilter{})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, p.Fingerprint(), ee.Fingerprint)
}

func TestProcessor_CursorErrors(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	mock.ExpectQuery(".*").WillReturnRows(
		sqlmock.NewRows([]string{"Id"}).AddRow(1).AddRow(2).RowError(1, assert.AnError))
	_, err := newRecordProcessor(t).Execute(context.Background(), NewDBExecutor(db, Postgres), idFilter{})
	assert.ErrorIs(t, err, assert.AnError)

	var ee *ExecutionError
	assert.ErrorAs(t, err, &ee)
}

func TestProcessor_ConversionError_AbortsExecution(t *testing.T) {
	exec := &fakeExec{cols: []string{"Id"}, data: [][]any{{int64(1)}, {"oops"}}}
	got, err := newRecordProcessor(t).Execute(context.Background(), exec, idFilter{})
	assert.Nil(t, got)
	var ce *ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Id", ce.Column)
}

func TestProcessor_SchemaMismatch(t *testing.T) {
	exec := &fakeExec{cols: []string{"unrelated"}, data: [][]any{{1}}}
	_, err := newRecordProcessor(t).Execute(context.Background(), exec, idFilter{})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	exec = &fakeExec{cols: []string{}}
	_, err = newRecordProcessor(t).Execute(context.Background(), exec, idFilter{})
	assert.ErrorIs(t, err, ErrNoColumns)
}

func TestNewProcessor_ConfigurationErrors(t *testing.T) {
	cmd, err := NewCommand[idFilter]("SELECT 1", Text)
	require.NoError(t, err)

	_, err = NewProcessor[idFilter, record](cmd, WithResultCaching(CacheNone, 0))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewProcessor[idFilter, record](cmd, WithResultCaching(CacheTimeSpan, -5))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewProcessor[idFilter, record](cmd, WithCacheTarget(CacheTarget(9)))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewProcessor[idFilter, record](cmd, WithResultMapping(func(m *ResultMapping) { m.ForProperty("Nope") }))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewProcessor[idFilter, record](nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewProcessor[idFilter, record](cmd, WithResultSetMapping(1, func(*ResultMapping) {}))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestProcessor_Accessors(t *testing.T) {
	p := newRecordProcessor(t, WithExpectedSize(16))
	assert.Equal(t, "SELECT Id, Data, Date FROM t WHERE Id >= :id", p.Command().Info().Text)
	m := p.Mappings()
	require.Len(t, m, 3)
	assert.Equal(t, "Id", m[0].Name())
	assert.False(t, p.Fingerprint().IsZero())
}

func TestProcessor_ExecuteAsync(t *testing.T) {
	exec := &fakeExec{cols: []string{"Id"}, data: [][]any{{int64(4)}}}
	ch := newRecordProcessor(t).ExecuteAsync(context.Background(), exec, idFilter{})
	res, ok := <-ch
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.Equal(t, []record{{Id: 4}}, res.Rows)
	_, ok = <-ch
	assert.False(t, ok, "channel closed after one result")

	ch = newRecordProcessor(t).ExecuteAsync(context.Background(), &fakeExec{err: assert.AnError}, idFilter{})
	res = <-ch
	assert.ErrorIs(t, res.Err, assert.AnError)
}

// TestProcessor_ConcurrentExecute hammers one processor from many
// goroutines; run with -race.
func TestProcessor_ConcurrentExecute(t *testing.T) {
	p := newRecordProcessor(t, WithResultCaching(CacheRepeatedRequestLimit, 3))
	exec := &fakeExec{cols: []string{"Id", "Data"}, data: [][]any{{int64(1), "a"}, {int64(2), "b"}}}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				got, err := p.Execute(context.Background(), exec, idFilter{ID: g % 3})
				if err != nil {
					errs <- err
					return
				}
				if len(got) != 2 || got[1].Data != "b" {
					errs <- errors.New("unexpected rows")
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

// TestProcessor_Logging emits debug records tagged with the processor id.
func TestProcessor_Logging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p := newRecordProcessor(t, WithLogger(logger), WithResultCaching(CachePermanent, 0))
	exec := &fakeExec{cols: []string{"Id"}, data: [][]any{{int64(1)}}}

	_, err := p.Execute(context.Background(), exec, idFilter{})
	require.NoError(t, err)
	_, err = p.Execute(context.Background(), exec, idFilter{})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "compiled materializer")
	assert.Contains(t, out, "result cache miss")
	assert.Contains(t, out, "result cache hit")
	assert.Contains(t, out, p.ID().String())
	assert.Contains(t, out, p.Fingerprint().String())
}

// --------------------------------
// Scalar and non-query execution
// --------------------------------

func TestExecuteScalar(t *testing.T) {
	cmd, err := NewCommand[idFilter]("SELECT COUNT(*) FROM t WHERE id > :id", Text)
	require.NoError(t, err)

	exec := &fakeExec{cols: []string{"count"}, data: [][]any{{int64(42)}}}
	n, err := ExecuteScalar[int](context.Background(), exec, cmd, idFilter{ID: 3})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, []Param{{Name: "id", Value: 3}}, exec.last)

	s, err := ExecuteScalar[string](context.Background(), exec, cmd, idFilter{})
	require.NoError(t, err)
	assert.Equal(t, "42", s)

	_, err = ExecuteScalar[int](context.Background(), &fakeExec{cols: []string{"count"}}, cmd, idFilter{})
	assert.ErrorIs(t, err, sql.ErrNoRows)

	_, err = ExecuteScalar[int](context.Background(), &fakeExec{err: assert.AnError}, cmd, idFilter{})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = ExecuteScalar[int](context.Background(), &fakeExec{cols: []string{"c"}, data: [][]any{{"x"}}}, cmd, idFilter{})
	assert.ErrorIs(t, err, ErrConversion)
}

func TestExecuteScalarAsync(t *testing.T) {
	cmd, err := NewCommand[idFilter]("SELECT COUNT(*) FROM t WHERE id > :id", Text)
	require.NoError(t, err)

	exec := &fakeExec{cols: []string{"count"}, data: [][]any{{int64(7)}}}
	ch := ExecuteScalarAsync[int64](context.Background(), exec, cmd, idFilter{ID: 1})
	res, ok := <-ch
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(7), res.Value)
	_, ok = <-ch
	assert.False(t, ok, "channel closed after one result")

	resInt := <-ExecuteScalarAsync[int](context.Background(), &fakeExec{cols: []string{"count"}}, cmd, idFilter{})
	assert.ErrorIs(t, resInt.Err, sql.ErrNoRows)
	assert.Zero(t, resInt.Value)
}

func TestExecuteScalar_SQLMock(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(ts) FROM t")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow("2024-01-02"))

	cmd, err := NewCommand[struct{}]("SELECT MAX(ts) FROM t", Text)
	require.NoError(t, err)
	ts, err := ExecuteScalar[time.Time](context.Background(), NewDBExecutor(db, SQLite), cmd, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), ts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteNonQuery(t *testing.T) {
	cmd, err := NewCommand[idFilter]("DELETE FROM t WHERE id = :id", Text)
	require.NoError(t, err)

	exec := &fakeExec{affected: 3}
	n, err := ExecuteNonQuery(context.Background(), exec, cmd, idFilter{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 1, exec.execs)

	_, err = ExecuteNonQuery(context.Background(), &fakeExec{err: sql.ErrTxDone}, cmd, idFilter{})
	assert.ErrorIs(t, err, sql.ErrTxDone)
	var ee *ExecutionError
	assert.ErrorAs(t, err, &ee)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ExecuteNonQuery(ctx, exec, cmd, idFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteNonQuery_StoredProcedure_SQLMock(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta("EXEC archive @p1")).WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 5))

	cmd, err := NewCommand[idFilter]("archive", StoredProcedure)
	require.NoError(t, err)
	n, err := ExecuteNonQuery(context.Background(), NewDBExecutor(db, SQLServer), cmd, idFilter{ID: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
