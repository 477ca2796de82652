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

// Package state persists the scalar pipeline state across process restarts:
// the tracing enable/disable history, the time of the last completed
// detection, the latest published risk and the previous concrete risk level.
// It is read and written only by the risk coordinator.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/entrace/entrace/pkg/risk"
	"github.com/entrace/entrace/private/storage/db"
)

// Store is the persisted scalar state of the pipeline.
type Store interface {
	// AppendTracingEvent records an enable/disable transition of exposure
	// tracing. Events are append-only.
	AppendTracingEvent(ctx context.Context, ev risk.TracingEvent) error
	// TracingHistory returns all recorded tracing events at or after since,
	// ordered by time.
	TracingHistory(ctx context.Context, since time.Time) ([]risk.TracingEvent, error)
	// PruneTracingHistory drops events strictly before the cutoff.
	PruneTracingHistory(ctx context.Context, cutoff time.Time) (int, error)
	// SetLastDetection records the completion time of a detection run.
	SetLastDetection(ctx context.Context, t time.Time) error
	// LastDetection returns the completion time of the most recent detection
	// run, or nil if no detection ever completed.
	LastDetection(ctx context.Context) (*time.Time, error)
	// SetLatestRisk persists the most recently published risk.
	SetLatestRisk(ctx context.Context, r risk.Risk) error
	// LatestRisk returns the most recently published risk, or nil if none
	// was ever persisted.
	LatestRisk(ctx context.Context) (*risk.Risk, error)
	// SetPreviousLevel persists the previous concrete risk level.
	SetPreviousLevel(ctx context.Context, l risk.Level) error
	// PreviousLevel returns the persisted previous concrete risk level, or
	// LevelUndefined if none was ever persisted.
	PreviousLevel(ctx context.Context) (risk.Level, error)
	Close() error
}

var _ Store = (*Backend)(nil)

// Backend implements the state store with an SQLite database.
type Backend struct {
	db *sql.DB
	*executor
}

// New opens the state database at the given path, creating it if necessary.
func New(path string) (*Backend, error) {
	sdb, err := db.NewSqlite(path, Schema, SchemaVersion)
	if err != nil {
		return nil, err
	}
	return &Backend{
		db:       sdb,
		executor: &executor{db: sdb},
	}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

type executor struct {
	sync.RWMutex
	db *sql.DB
}

func (e *executor) AppendTracingEvent(ctx context.Context, ev risk.TracingEvent) error {
	e.Lock()
	defer e.Unlock()
	return db.DoInTx(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO TracingHistory (Time, Enabled) VALUES (?, ?)`,
			ev.Time.UnixMilli(), ev.Enabled)
		if err != nil {
			return db.NewWriteError("insert tracing event", err)
		}
		return nil
	})
}

func (e *executor) TracingHistory(ctx context.Context,
	since time.Time) ([]risk.TracingEvent, error) {

	e.RLock()
	defer e.RUnlock()
	rows, err := e.db.QueryContext(ctx,
		`SELECT Time, Enabled FROM TracingHistory WHERE Time>=? ORDER BY Time ASC`,
		since.UnixMilli())
	if err != nil {
		return nil, db.NewReadError("query tracing history", err)
	}
	defer rows.Close()
	var events []risk.TracingEvent
	for rows.Next() {
		var millis int64
		var enabled bool
		if err := rows.Scan(&millis, &enabled); err != nil {
			return nil, db.NewReadError("scan tracing event", err)
		}
		events = append(events, risk.TracingEvent{
			Time:    time.UnixMilli(millis),
			Enabled: enabled,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, db.NewReadError("iterate tracing history", err)
	}
	return events, nil
}

func (e *executor) PruneTracingHistory(ctx context.Context, cutoff time.Time) (int, error) {
	e.Lock()
	defer e.Unlock()
	return db.DeleteInTx(ctx, e.db, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `DELETE FROM TracingHistory WHERE Time<?`,
			cutoff.UnixMilli())
	})
}

func (e *executor) SetLastDetection(ctx context.Context, t time.Time) error {
	return e.setScalar(ctx, scalarLastDetection, []byte(t.UTC().Format(time.RFC3339Nano)))
}

func (e *executor) LastDetection(ctx context.Context) (*time.Time, error) {
	raw, err := e.scalar(ctx, scalarLastDetection)
	if err != nil || raw == nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return nil, db.NewDataError("parse last detection", err)
	}
	return &t, nil
}

func (e *executor) SetLatestRisk(ctx context.Context, r risk.Risk) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return db.NewInputDataError("encode risk", err)
	}
	return e.setScalar(ctx, scalarLatestRisk, raw)
}

func (e *executor) LatestRisk(ctx context.Context) (*risk.Risk, error) {
	raw, err := e.scalar(ctx, scalarLatestRisk)
	if err != nil || raw == nil {
		return nil, err
	}
	var r risk.Risk
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, db.NewDataError("decode risk", err)
	}
	return &r, nil
}

func (e *executor) SetPreviousLevel(ctx context.Context, l risk.Level) error {
	return e.setScalar(ctx, scalarPreviousLevel, []byte(strconv.Itoa(int(l))))
}

func (e *executor) PreviousLevel(ctx context.Context) (risk.Level, error) {
	raw, err := e.scalar(ctx, scalarPreviousLevel)
	if err != nil || raw == nil {
		return risk.LevelUndefined, err
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return risk.LevelUndefined, db.NewDataError("parse previous level", err)
	}
	return risk.Level(v), nil
}

func (e *executor) setScalar(ctx context.Context, name string, value []byte) error {
	e.Lock()
	defer e.Unlock()
	return db.DoInTx(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO Scalars (Name, Value) VALUES (?, ?)`,
			name, value)
		if err != nil {
			return db.NewWriteError("write scalar", err, "name", name)
		}
		return nil
	})
}

// scalar returns the stored value of the named scalar, or nil if it was
// never written.
func (e *executor) scalar(ctx context.Context, name string) ([]byte, error) {
	e.RLock()
	defer e.RUnlock()
	var value []byte
	err := e.db.QueryRowContext(ctx,
		`SELECT Value FROM Scalars WHERE Name=?`, name).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, db.NewReadError("read scalar", err, "name", name)
	}
	return value, nil
}
