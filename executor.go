package rowmap

import (
	"context"
	"fmt"
)

// Rows is a forward-only cursor over one or more result sets. *sql.Rows
// satisfies it.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	NextResultSet() bool
	Err() error
	Close() error
}

// Executor runs commands against a data source. Implementations own the
// connection; the processor never retries.
type Executor interface {
	Query(ctx context.Context, cmd CommandInfo, params []Param) (Rows, error)
	Exec(ctx context.Context, cmd CommandInfo, params []Param) (int64, error)
}

// DBExecutor runs commands through database/sql, rendering :name placeholders
// for its dialect.
type DBExecutor struct {
	db      DB
	dialect Dialect
	config  Config
}

// NewDBExecutor returns an Executor over db (a *sql.DB, *sql.Tx or *sql.Conn).
func NewDBExecutor(db DB, dialect Dialect, config ...Config) *DBExecutor {
	return &DBExecutor{
		db:      db,
		dialect: dialect,
		config:  defaultConfig(dialect, config...),
	}
}

// Dialect returns the dialect used for placeholder rendering.
func (e *DBExecutor) Dialect() Dialect { return e.dialect }

// Render returns the SQL and driver arguments for cmd. A stored procedure's
// text is its name; the call statement lists params in order.
func (e *DBExecutor) Render(cmd CommandInfo, params []Param) (string, []any, error) {
	text := cmd.Text
	switch cmd.Type {
	case Text:
	case StoredProcedure:
		text = procedureText(e.dialect, cmd.Text, params)
	default:
		return "", nil, fmt.Errorf("%w: unsupported command type %d", ErrConfiguration, int(cmd.Type))
	}
	return bind(e.dialect, text, params, e.config)
}

// Query renders and runs cmd, returning the *sql.Rows cursor.
func (e *DBExecutor) Query(ctx context.Context, cmd CommandInfo, params []Param) (Rows, error) {
	q, args, err := e.Render(cmd, params)
	if err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Exec renders and runs cmd, returning the number of affected rows.
func (e *DBExecutor) Exec(ctx context.Context, cmd CommandInfo, params []Param) (int64, error) {
	q, args, err := e.Render(cmd, params)
	if err != nil {
		return 0, err
	}
	res, err := e.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
