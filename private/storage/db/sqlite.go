// Copyright 2021 Anapaya Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package db provides helpers for the sqlite-backed stores. The underlying
// storage permits only one writer transaction, all backends serialize their
// writes through a single connection and a lock.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Sqler contains the common functions of *sql.DB and *sql.Tx.
type Sqler interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// NewSqlite returns a new SQLite backend opening a database at the given
// path. If no database exists a new database is created. If the schema
// version of the stored database is different from schemaVersion, an error is
// returned.
func NewSqlite(path string, schema string, schemaVersion int) (*sql.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	// Check the schema version and set up new DB if necessary.
	var existingVersion int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&existingVersion); err != nil {
		db.Close()
		return nil, NewReadError("checking schema version", err, "path", path)
	}
	switch {
	case existingVersion == 0:
		if err := setup(db, schema, schemaVersion); err != nil {
			db.Close()
			return nil, err
		}
	case existingVersion != schemaVersion:
		db.Close()
		return nil, NewDataError("schema version mismatch", nil,
			"expected", schemaVersion, "have", existingVersion, "path", path)
	}
	return db, nil
}

func open(path string) (*sql.DB, error) {
	// Add foreign_key parameter to path to enable foreign key support and
	// the WAL journal for concurrent readers.
	uri := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=1000", path)
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, NewTxError("open database", err, "path", path)
	}
	// The sqlite database only supports one concurrent writer; enforce the
	// single-writer discipline at the connection pool already.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewTxError("initial connection", err, "path", path)
	}
	return db, nil
}

func setup(db *sql.DB, schema string, schemaVersion int) error {
	if _, err := db.Exec(schema); err != nil {
		return NewWriteError("applying schema", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return NewWriteError("writing schema version", err)
	}
	return nil
}

// DoInTx executes the given action in one transaction on the write
// connection. The transaction is rolled back if the action errors.
func DoInTx(ctx context.Context, db *sql.DB,
	action func(context.Context, *sql.Tx) error) error {

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewTxError("create tx", err)
	}
	if err := action(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return NewTxError("commit", err)
	}
	return nil
}

// DeleteInTx executes the delete function in one transaction and returns the
// number of deleted rows.
func DeleteInTx(ctx context.Context, db *sql.DB,
	delFunc func(tx *sql.Tx) (sql.Result, error)) (int, error) {

	var deleted int64
	err := DoInTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := delFunc(tx)
		if err != nil {
			return NewWriteError("delete", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return int(deleted), err
}
