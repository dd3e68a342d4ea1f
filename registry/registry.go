// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the control plane's persistent store: instances,
// messages, message events, routing rules, and the secret-bearing
// instance configuration. It is the single owner of all persisted
// state — every other component obtains snapshots and mutates through
// the typed operations in this package.
//
// Grounded on lib/sqlitepool (zombiezen.com/go/sqlite +
// zombiezen.com/go/sqlite/sqlitex) and cmd/bureau-telemetry-service's
// transaction idiom (sqlitex.ImmediateTransaction + endTransaction(&err)).
//
// Concurrency discipline: one writer, many readers. The Registry opens
// two pools against the same database file — a single-connection
// writer pool for every mutating operation, and a multi-connection
// ReadOnly pool for listings and exports. WAL mode lets the reader pool
// serve concurrently with the writer; query_only on the reader pool
// makes a read-path bug fail loudly instead of blocking the writer.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"

	"github.com/zeroclaw/cp/lib/clock"
	"github.com/zeroclaw/cp/lib/sqlitepool"
)

// Registry is the control plane's persistent store.
type Registry struct {
	writer *sqlitepool.Pool
	reader *sqlitepool.Pool
	logger *slog.Logger
	clock  clock.Clock
}

// Open opens (creating if necessary) the database at path, applies
// pending schema migrations, and returns a ready Registry. Migration
// failure is returned directly — the caller should exit with the
// migration-failure exit code.
//
// cl is the clock every timestamp this Registry writes is derived
// from. Production callers pass clock.Real(); tests pass clock.Fake()
// so idempotency windows, TTL expiry, and replay clamping are
// deterministic.
func Open(path string, cl clock.Clock, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cl == nil {
		cl = clock.Real()
	}

	writer, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: 1,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return migrate(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: opening writer pool: %w", err)
	}

	readerSize := runtime.NumCPU()
	if readerSize < 4 {
		readerSize = 4
	}
	reader, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: readerSize,
		ReadOnly: true,
		Logger:   logger,
	})
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("registry: opening reader pool: %w", err)
	}

	return &Registry{writer: writer, reader: reader, logger: logger, clock: cl}, nil
}

// nowString renders the registry's clock in the wire datetime format.
func (r *Registry) nowString() string {
	return FormatTime(r.clock.Now())
}

// Close closes both pools. Blocks until all borrowed connections are returned.
func (r *Registry) Close() error {
	readerErr := r.reader.Close()
	writerErr := r.writer.Close()
	if writerErr != nil {
		return writerErr
	}
	return readerErr
}

// takeWriter borrows the single writer connection. Callers must keep
// the critical section short: writer operations must complete in
// bounded time (~10ms) to avoid blocking supervisor sweeps.
func (r *Registry) takeWriter(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := r.writer.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: taking writer connection: %w", err)
	}
	return conn, nil
}

func (r *Registry) putWriter(conn *sqlite.Conn) {
	r.writer.Put(conn)
}

// takeReader borrows a reader connection for snapshot reads (listings,
// exports). Never used for mutations — the pool enforces this with
// query_only.
func (r *Registry) takeReader(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := r.reader.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: taking reader connection: %w", err)
	}
	return conn, nil
}

func (r *Registry) putReader(conn *sqlite.Conn) {
	r.reader.Put(conn)
}
