package repository

import (
	"database/sql"
	"errors"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrTagNotFound      = errors.New("tag not found")
	ErrListNotFound     = errors.New("list not found")
	ErrEnrollmentClosed = errors.New("enrollment is no longer open")
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
