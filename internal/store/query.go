package store

import (
	"context"
	"fmt"
	"time"
)

// FileEventRow is a read-path projection of a persisted file_event row.
type FileEventRow struct {
	ID        int64
	SensorGUID string
	TS        int64
	CreatedAt time.Time
	Op        int
	Path      string
	NewPath   string
	PID       uint32
	ExePath   string
	Size      uint64
	Success   bool
}

// RecentFileEventsByPID returns up to limit file_event rows for pid with id greater
// than cursor, ordered by id ascending — the "recent events for pid X"
// access pattern the file_event (pid) index exists for.
func (s *Store) RecentFileEventsByPID(ctx context.Context, pid uint32, cursor int64, limit int) ([]FileEventRow, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, sensor_guid, ts, created_at, op, path, new_path, pid, exe_path, size, success
		 FROM file_event WHERE pid = ? AND id > ? ORDER BY id LIMIT ?`, pid, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query file events by pid: %w", err)
	}
	defer rows.Close()

	var out []FileEventRow
	for rows.Next() {
		var r FileEventRow
		var createdAt string
		if err := rows.Scan(&r.ID, &r.SensorGUID, &r.TS, &createdAt, &r.Op, &r.Path, &r.NewPath, &r.PID, &r.ExePath, &r.Size, &r.Success); err != nil {
			return nil, fmt.Errorf("store: scan file event: %w", err)
		}
		r.CreatedAt, _ = time.Parse("2006-01-02T15:04:05.000Z", createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountInWindow returns the number of rows in table created within
// [since, until) — the "all events of kind K in window W" access pattern.
func (s *Store) CountInWindow(ctx context.Context, table string, since, until time.Time) (int64, error) {
	if !isRetainedTable(table) {
		return 0, fmt.Errorf("store: unknown table %q", table)
	}
	var n int64
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE created_at >= ? AND created_at < ?`,
		since.UTC().Format("2006-01-02T15:04:05.000Z"), until.UTC().Format("2006-01-02T15:04:05.000Z")).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count in window: %w", err)
	}
	return n, nil
}

// RegistryEventsByKeyPrefix returns registry_event rows whose key_path
// starts with prefix, most recent first, bounded by limit — the "by key
// prefix" read contract over the (key_path) index.
func (s *Store) RegistryEventsByKeyPrefix(ctx context.Context, prefix string, limit int) ([]int64, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id FROM registry_event WHERE key_path LIKE ? ORDER BY id DESC LIMIT ?`, prefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("store: query registry by key prefix: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan registry id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isRetainedTable(table string) bool {
	for _, t := range retainedTables {
		if t == table {
			return true
		}
	}
	return false
}
