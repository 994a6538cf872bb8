package rowmap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
)

// Dialect identifies the SQL dialect for placeholder rendering and a few
// dialect-specific parsing behaviors.
type Dialect int

// CommandType tells the executor how to interpret a command's text.
type CommandType int

// Config defines limits for the parameter binder.
type Config struct {
	// MaxParams limits the total number of placeholders that can be emitted for
	// a single command.
	// If = 0 (or omitted), it uses a sensible per-dialect default.
	// If < 0, it's treated as "unlimited".
	MaxParams int
	// MaxNameLen limits the maximum allowed length of a placeholder name,
	// e.g. ":this_is_a_name". Names longer than this cause ErrParamNameTooLong.
	MaxNameLen int
}

// Param is a named command parameter.
type Param struct {
	Name  string
	Value any
}

// DB abstracts *sql.DB / *sql.Tx / *sql.Conn for easy testing.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const (
	Postgres Dialect = iota
	MySQL
	SQLite
	SQLServer
)

const (
	Text CommandType = iota
	StoredProcedure
)

const cacheSize = 4096 // Default size for the type index cache

var (
	ErrConfiguration    = errors.New("rowmap: configuration error")
	ErrConversion       = errors.New("rowmap: conversion error")
	ErrSchemaMismatch   = errors.New("rowmap: schema mismatch")
	ErrParamMissing     = errors.New("rowmap: missing parameter")
	ErrSliceEmpty       = errors.New("rowmap: empty slice")
	ErrTooManyParams    = errors.New("rowmap: too many parameters")
	ErrParamNameTooLong = errors.New("rowmap: parameter name too long")
	ErrFieldAmbiguous   = errors.New("rowmap: ambiguous field name")
	ErrNoColumns        = errors.New("rowmap: query returned zero columns")
)

// ConversionError reports a raw column value that could not be coerced into
// the destination type. It matches ErrConversion with errors.Is.
type ConversionError struct {
	Target   reflect.Type
	Value    any
	Column   string // empty when raised outside a materializer
	Property string // empty when raised outside a materializer
	Err      error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("rowmap: cannot convert %T(%v) to %s", e.Value, e.Value, e.Target)
	if e.Property != "" {
		msg += fmt.Sprintf(" (column %q -> %s)", e.Column, e.Property)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }

func (e *ConversionError) Is(target error) bool { return target == ErrConversion }

// ExecutionError wraps a failure returned by the Executor with the
// fingerprint of the command that was running. The original error is
// reachable through errors.Is / errors.As.
type ExecutionError struct {
	Fingerprint Fingerprint
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("rowmap: command %s: %v", e.Fingerprint, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// String returns the string representation of the dialect.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// String returns the string representation of the command type.
func (t CommandType) String() string {
	switch t {
	case Text:
		return "text"
	case StoredProcedure:
		return "stored_procedure"
	default:
		return "unknown"
	}
}

// defaultConfig merges user config with per-dialect defaults.
func defaultConfig(dialect Dialect, config ...Config) Config {
	c := Config{}

	if len(config) > 0 {
		c = config[0]
	}

	if c.MaxParams == 0 {
		switch dialect {
		case SQLServer:
			c.MaxParams = 2100
		case SQLite:
			c.MaxParams = 999
		case Postgres, MySQL:
			c.MaxParams = 65535
		}
	}

	if c.MaxNameLen <= 0 {
		c.MaxNameLen = 64
	}

	return c
}
