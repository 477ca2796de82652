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

// Package packages defines the storage interface for the region and day
// partitioned cache of signed diagnosis-key packages.
package packages

import (
	"context"
	"time"

	"github.com/entrace/entrace/pkg/exposure"
)

// RetentionPeriod is how long key packages are kept. Days older than the
// retention window are pruned.
const RetentionPeriod = 14 * 24 * time.Hour

// Store is the durable cache of signed key packages. Packages are addressed
// by (region, day) or (region, day, hour) and immutable once stored. For a
// given (region, day) a whole-day package and hour packages are mutually
// exclusive; inserting a whole-day package deletes all hour rows for that
// day and region in the same transaction.
//
// All operations return typed errors from the db package. Busy and
// constraint errors are surfaced to callers, the store never retries.
type Store interface {
	// PutDay stores a whole-day package, replacing any hour packages of
	// that day atomically.
	PutDay(ctx context.Context, region exposure.Region, day exposure.Day,
		pkg exposure.Package) error
	// PutHour stores an hour package. An existing whole-day row is left
	// untouched, callers are expected to prune first.
	PutHour(ctx context.Context, region exposure.Region, day exposure.Day, hour int,
		pkg exposure.Package) error
	// Day returns the whole-day package, or nil if none is stored.
	Day(ctx context.Context, region exposure.Region, day exposure.Day) (*exposure.Package, error)
	// HourlyPackages returns all hour packages of the day with their hours,
	// ordered by hour. Hour and package come from one query so a concurrent
	// write cannot misalign them.
	HourlyPackages(ctx context.Context, region exposure.Region,
		day exposure.Day) ([]HourPackage, error)
	// Days returns the days with a whole-day package, ascending.
	Days(ctx context.Context, region exposure.Region) ([]exposure.Day, error)
	// Hours returns the hours with an hour package for the day, ascending.
	Hours(ctx context.Context, region exposure.Region, day exposure.Day) ([]int, error)
	// DeleteDay removes the whole-day package. Deleting a missing day is a
	// no-op.
	DeleteDay(ctx context.Context, region exposure.Region, day exposure.Day) error
	// DeleteHour removes one hour package. Deleting a missing hour is a
	// no-op.
	DeleteHour(ctx context.Context, region exposure.Region, day exposure.Day, hour int) error
	// PruneOlderThan deletes all rows of days at or before the cutoff and
	// returns the number of deleted rows.
	PruneOlderThan(ctx context.Context, cutoff exposure.Day) (int, error)
	// Reset drops all data and reclaims the space. It is meant for
	// full-store invalidation such as corruption recovery, not normal
	// operation.
	Reset(ctx context.Context) error
	Close() error
}

// HourPackage is one hour package together with its hour of day.
type HourPackage struct {
	Hour    int
	Package exposure.Package
}

// Availability is the set of known days and, for today only, known hours of
// one region. It is used purely for delta computation.
type Availability struct {
	Days  []exposure.Day
	Hours []int
}

// LocalAvailability reads the availability index of one region from the
// store.
func LocalAvailability(ctx context.Context, s Store, region exposure.Region,
	today exposure.Day) (Availability, error) {

	days, err := s.Days(ctx, region)
	if err != nil {
		return Availability{}, err
	}
	hours, err := s.Hours(ctx, region, today)
	if err != nil {
		return Availability{}, err
	}
	return Availability{Days: days, Hours: hours}, nil
}
