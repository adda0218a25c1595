// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore persists rate-limit windows in a relational database so that
// quotas survive process restarts and are shared across replicas.
type SQLStore struct {
	db *sql.DB
}

const sqlStoreSchema = `
CREATE TABLE IF NOT EXISTS relay_rate_limits (
	scope       VARCHAR(32)  NOT NULL,
	identifier  VARCHAR(255) NOT NULL,
	limit_type  VARCHAR(32)  NOT NULL,
	time_window VARCHAR(32)  NOT NULL,
	amount      BIGINT       NOT NULL,
	window_end  TIMESTAMP    NOT NULL,
	PRIMARY KEY (scope, identifier, limit_type, time_window)
)`

// NewSQLStore creates the store and provisions its table. The dialect
// argument is accepted for parity with multi-driver deployments; the
// schema sticks to portable types so all supported drivers take it as-is.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if _, err := db.Exec(sqlStoreSchema); err != nil {
		return nil, fmt.Errorf("ratelimit: create table (%s): %w", dialect, err)
	}
	return s, nil
}

func (s *SQLStore) GetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT amount, window_end FROM relay_rate_limits
		 WHERE scope = ? AND identifier = ? AND limit_type = ? AND time_window = ?`,
		string(scope), identifier, string(limitType), window.String())

	var amount int64
	var windowEnd time.Time
	if err := row.Scan(&amount, &windowEnd); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, time.Now().Add(window.Duration()), nil
		}
		return 0, time.Time{}, fmt.Errorf("ratelimit: get usage: %w", err)
	}

	if windowEnd.Before(time.Now()) {
		return 0, time.Now().Add(window.Duration()), nil
	}
	return amount, windowEnd, nil
}

func (s *SQLStore) IncrementUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64) (int64, time.Time, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT amount, window_end FROM relay_rate_limits
		 WHERE scope = ? AND identifier = ? AND limit_type = ? AND time_window = ?`,
		string(scope), identifier, string(limitType), window.String())

	var current int64
	var windowEnd time.Time
	err = row.Scan(&current, &windowEnd)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = amount
		windowEnd = now.Add(window.Duration())
		_, err = tx.ExecContext(ctx,
			`INSERT INTO relay_rate_limits (scope, identifier, limit_type, time_window, amount, window_end)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			string(scope), identifier, string(limitType), window.String(), current, windowEnd)
	case err != nil:
		return 0, time.Time{}, fmt.Errorf("ratelimit: increment: %w", err)
	default:
		if windowEnd.Before(now) {
			// Expired window: start a fresh one.
			current = amount
			windowEnd = now.Add(window.Duration())
		} else {
			current += amount
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE relay_rate_limits SET amount = ?, window_end = ?
			 WHERE scope = ? AND identifier = ? AND limit_type = ? AND time_window = ?`,
			current, windowEnd, string(scope), identifier, string(limitType), window.String())
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: increment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: commit: %w", err)
	}
	return current, windowEnd, nil
}

func (s *SQLStore) SetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64, windowEnd time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relay_rate_limits SET amount = ?, window_end = ?
		 WHERE scope = ? AND identifier = ? AND limit_type = ? AND time_window = ?`,
		amount, windowEnd, string(scope), identifier, string(limitType), window.String())
	if err != nil {
		return fmt.Errorf("ratelimit: set usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO relay_rate_limits (scope, identifier, limit_type, time_window, amount, window_end)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(scope), identifier, string(limitType), window.String(), amount, windowEnd)
	if err != nil {
		return fmt.Errorf("ratelimit: set usage: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteUsage(ctx context.Context, scope Scope, identifier string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_rate_limits WHERE scope = ? AND identifier = ?`,
		string(scope), identifier); err != nil {
		return fmt.Errorf("ratelimit: delete usage: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, before time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_rate_limits WHERE window_end < ?`, before); err != nil {
		return fmt.Errorf("ratelimit: delete expired: %w", err)
	}
	return nil
}

// Close is a no-op; the *sql.DB is owned by the shared pool.
func (s *SQLStore) Close() error { return nil }
