// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// Store is the sqlite-backed agent table. Every monitor query reloads from
// here so readers always see a fresh view; writes are linearized per-id by
// the monitor's lock plus sqlite's own serialization.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the agent database at path.
func OpenStore(path string) (*Store, error) {
	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "opening agent store")
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connecting to agent store")
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating agent store")
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		parent_id INTEGER NOT NULL DEFAULT 0,
		engine TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		log_path TEXT NOT NULL DEFAULT '',
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		cached INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		telemetry_duration_ms INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}

const recordColumns = `id, name, parent_id, engine, model, prompt,
	start_time, end_time, duration_ms, status, error, session_id, log_path,
	tokens_in, tokens_out, cached, cost_usd, telemetry_duration_ms`

// insert persists a new record and returns its assigned id.
func (s *Store) insert(ctx context.Context, r *Record) (int, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO agents
		(name, parent_id, engine, model, prompt, start_time, end_time,
		 duration_ms, status, error, session_id, log_path,
		 tokens_in, tokens_out, cached, cost_usd, telemetry_duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, '', ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.ParentID, r.Engine, r.Model, r.Prompt,
		r.StartTime.UnixMilli(), string(r.Status), r.SessionID, r.LogPath,
		r.Telemetry.TokensIn, r.Telemetry.TokensOut, r.Telemetry.Cached,
		r.Telemetry.CostUSD, r.Telemetry.DurationMS)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// get loads one record by id.
func (s *Store) get(ctx context.Context, id int) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM agents WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "agent", ID: strconv.Itoa(id)}
	}
	return r, err
}

// list loads all records in id order.
func (s *Store) list(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// update rewrites the mutable fields of a record.
func (s *Store) update(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET
		end_time = ?, duration_ms = ?, status = ?, error = ?, session_id = ?,
		log_path = ?, tokens_in = ?, tokens_out = ?, cached = ?, cost_usd = ?,
		telemetry_duration_ms = ?
		WHERE id = ?`,
		endMillis(r), r.Duration.Milliseconds(), string(r.Status), r.Error,
		r.SessionID, r.LogPath, r.Telemetry.TokensIn, r.Telemetry.TokensOut,
		r.Telemetry.Cached, r.Telemetry.CostUSD, r.Telemetry.DurationMS, r.ID)
	return err
}

// remove deletes records by id.
func (s *Store) remove(ctx context.Context, ids []int) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

// removeAll clears the table and returns the number of rows removed.
func (s *Store) removeAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var status string
	var startMS, endMS, durMS int64
	err := row.Scan(&r.ID, &r.Name, &r.ParentID, &r.Engine, &r.Model, &r.Prompt,
		&startMS, &endMS, &durMS, &status, &r.Error, &r.SessionID, &r.LogPath,
		&r.Telemetry.TokensIn, &r.Telemetry.TokensOut, &r.Telemetry.Cached,
		&r.Telemetry.CostUSD, &r.Telemetry.DurationMS)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.StartTime = time.UnixMilli(startMS)
	if endMS != 0 {
		r.EndTime = time.UnixMilli(endMS)
	}
	r.Duration = time.Duration(durMS) * time.Millisecond
	return &r, nil
}

func endMillis(r *Record) int64 {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.UnixMilli()
}

