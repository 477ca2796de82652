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

// Package sqlite implements the diagnosis-key package store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"sync"

	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/private/storage/db"
	"github.com/entrace/entrace/private/storage/packages"
)

var _ packages.Store = (*Backend)(nil)

// Backend is the SQLite package store. One store instance exclusively owns
// its database file.
type Backend struct {
	db *sql.DB
	*executor
}

// New returns a new SQLite backend opening a database at the given path. If
// no database exists a new database is created. If the schema version of the
// stored database is different from the one in schema.go, an error is
// returned.
func New(path string) (*Backend, error) {
	sdb, err := db.NewSqlite(path, Schema, SchemaVersion)
	if err != nil {
		return nil, err
	}
	return &Backend{
		executor: &executor{db: sdb},
		db:       sdb,
	}, nil
}

// DB exposes the underlying database. Test use only.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// executor serializes all accesses. The database permits only one writer
// transaction at a time; reads share the same serialization point for
// simplicity.
type executor struct {
	sync.RWMutex
	db *sql.DB
}

func (e *executor) PutDay(ctx context.Context, region exposure.Region, day exposure.Day,
	pkg exposure.Package) error {

	e.Lock()
	defer e.Unlock()
	// A whole-day package supersedes all hour packages of the same day. Both
	// statements run in the same transaction so the exclusivity invariant
	// holds at every commit point.
	return db.DoInTx(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM Packages WHERE Region=? AND Day=? AND Hour!=?`,
			string(region), day.String(), wholeDayHour)
		if err != nil {
			return db.NewWriteError("delete hour packages", err,
				"region", region, "day", day)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO Packages (Region, Day, Hour, Bin, Signature)
			VALUES (?, ?, ?, ?, ?)`,
			string(region), day.String(), wholeDayHour, pkg.Bin, pkg.Signature)
		if err != nil {
			return db.NewWriteError("insert day package", err,
				"region", region, "day", day)
		}
		return nil
	})
}

func (e *executor) PutHour(ctx context.Context, region exposure.Region, day exposure.Day,
	hour int, pkg exposure.Package) error {

	if hour < 0 || hour > 23 {
		return db.NewInputDataError("hour out of range", nil, "hour", hour)
	}
	e.Lock()
	defer e.Unlock()
	_, err := e.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO Packages (Region, Day, Hour, Bin, Signature)
		VALUES (?, ?, ?, ?, ?)`,
		string(region), day.String(), hour, pkg.Bin, pkg.Signature)
	if err != nil {
		return db.NewWriteError("insert hour package", err,
			"region", region, "day", day, "hour", hour)
	}
	return nil
}

func (e *executor) Day(ctx context.Context, region exposure.Region,
	day exposure.Day) (*exposure.Package, error) {

	e.RLock()
	defer e.RUnlock()
	var pkg exposure.Package
	err := e.db.QueryRowContext(ctx,
		`SELECT Bin, Signature FROM Packages WHERE Region=? AND Day=? AND Hour=?`,
		string(region), day.String(), wholeDayHour).Scan(&pkg.Bin, &pkg.Signature)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, db.NewReadError("lookup day package", err, "region", region, "day", day)
	}
	return &pkg, nil
}

func (e *executor) HourlyPackages(ctx context.Context, region exposure.Region,
	day exposure.Day) ([]packages.HourPackage, error) {

	e.RLock()
	defer e.RUnlock()
	rows, err := e.db.QueryContext(ctx,
		`SELECT Hour, Bin, Signature FROM Packages WHERE Region=? AND Day=? AND Hour!=?
		ORDER BY Hour ASC`,
		string(region), day.String(), wholeDayHour)
	if err != nil {
		return nil, db.NewReadError("select hour packages", err, "region", region, "day", day)
	}
	defer rows.Close()
	var pkgs []packages.HourPackage
	for rows.Next() {
		var hp packages.HourPackage
		if err := rows.Scan(&hp.Hour, &hp.Package.Bin, &hp.Package.Signature); err != nil {
			return nil, db.NewReadError("scan hour package", err)
		}
		pkgs = append(pkgs, hp)
	}
	if err := rows.Err(); err != nil {
		return nil, db.NewReadError("iterate hour packages", err)
	}
	return pkgs, nil
}

func (e *executor) Days(ctx context.Context, region exposure.Region) ([]exposure.Day, error) {
	e.RLock()
	defer e.RUnlock()
	rows, err := e.db.QueryContext(ctx,
		`SELECT Day FROM Packages WHERE Region=? AND Hour=? ORDER BY Day ASC`,
		string(region), wholeDayHour)
	if err != nil {
		return nil, db.NewReadError("select days", err, "region", region)
	}
	defer rows.Close()
	var days []exposure.Day
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, db.NewReadError("scan day", err)
		}
		day, err := exposure.ParseDay(raw)
		if err != nil {
			return nil, db.NewDataError("malformed day key", err, "raw", raw)
		}
		days = append(days, day)
	}
	if err := rows.Err(); err != nil {
		return nil, db.NewReadError("iterate days", err)
	}
	return days, nil
}

func (e *executor) Hours(ctx context.Context, region exposure.Region,
	day exposure.Day) ([]int, error) {

	e.RLock()
	defer e.RUnlock()
	rows, err := e.db.QueryContext(ctx,
		`SELECT Hour FROM Packages WHERE Region=? AND Day=? AND Hour!=? ORDER BY Hour ASC`,
		string(region), day.String(), wholeDayHour)
	if err != nil {
		return nil, db.NewReadError("select hours", err, "region", region, "day", day)
	}
	defer rows.Close()
	var hours []int
	for rows.Next() {
		var hour int
		if err := rows.Scan(&hour); err != nil {
			return nil, db.NewReadError("scan hour", err)
		}
		hours = append(hours, hour)
	}
	if err := rows.Err(); err != nil {
		return nil, db.NewReadError("iterate hours", err)
	}
	return hours, nil
}

func (e *executor) DeleteDay(ctx context.Context, region exposure.Region,
	day exposure.Day) error {

	_, err := e.deleteInTx(ctx, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx,
			`DELETE FROM Packages WHERE Region=? AND Day=? AND Hour=?`,
			string(region), day.String(), wholeDayHour)
	})
	return err
}

func (e *executor) DeleteHour(ctx context.Context, region exposure.Region, day exposure.Day,
	hour int) error {

	_, err := e.deleteInTx(ctx, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx,
			`DELETE FROM Packages WHERE Region=? AND Day=? AND Hour=?`,
			string(region), day.String(), hour)
	})
	return err
}

func (e *executor) PruneOlderThan(ctx context.Context, cutoff exposure.Day) (int, error) {
	return e.deleteInTx(ctx, func(tx *sql.Tx) (sql.Result, error) {
		// The ISO day format sorts chronologically, string comparison is
		// date comparison.
		return tx.ExecContext(ctx, `DELETE FROM Packages WHERE Day<=?`, cutoff.String())
	})
}

func (e *executor) Reset(ctx context.Context) error {
	e.Lock()
	defer e.Unlock()
	if err := db.DoInTx(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM Packages`); err != nil {
			return db.NewWriteError("clear packages", err)
		}
		return nil
	}); err != nil {
		return err
	}
	// Reclaim the space outside the transaction, VACUUM cannot run inside
	// one.
	if _, err := e.db.ExecContext(ctx, `VACUUM`); err != nil {
		return db.NewWriteError("vacuum", err)
	}
	return nil
}

func (e *executor) deleteInTx(ctx context.Context,
	delFunc func(tx *sql.Tx) (sql.Result, error)) (int, error) {

	e.Lock()
	defer e.Unlock()
	return db.DeleteInTx(ctx, e.db, delFunc)
}
