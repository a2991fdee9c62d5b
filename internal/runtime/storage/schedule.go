package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ScheduleKind discriminates the three schedule row types.
type ScheduleKind string

const (
	ScheduleScheduled ScheduleKind = "scheduled" // absolute time
	ScheduleDelayed   ScheduleKind = "delayed"   // relative delay
	ScheduleCron      ScheduleKind = "cron"      // recurring
)

// ErrScheduleNotFound is returned when a schedule id has no row.
var ErrScheduleNotFound = errors.New("schedule not found")

// Schedule is one persisted callback registration. Time holds the absolute
// fire time in epoch seconds; for cron rows it is the next computed fire.
type Schedule struct {
	ID           string          `db:"id" json:"id"`
	Callback     string          `db:"callback" json:"callback"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Kind         ScheduleKind    `db:"type" json:"type"`
	Time         int64           `db:"time" json:"time"`
	DelaySeconds int64           `db:"delay_seconds" json:"delay_seconds,omitempty"`
	Cron         string          `db:"cron" json:"cron,omitempty"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
}

// ScheduleFilter narrows ListSchedules. Zero values match everything.
type ScheduleFilter struct {
	ID         string
	Kind       ScheduleKind
	TimeAfter  int64
	TimeBefore int64
}

// PutSchedule inserts or replaces a schedule row.
func (s *Store) PutSchedule(ctx context.Context, sched Schedule) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO schedule
		 (id, callback, payload, type, time, delay_seconds, cron, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Callback, []byte(sched.Payload), string(sched.Kind),
		sched.Time, sched.DelaySeconds, sched.Cron, sched.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write schedule: %w", err)
	}
	return nil
}

// GetSchedule returns one schedule row by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	var sched Schedule
	err := sqlx.GetContext(ctx, s.q, &sched,
		"SELECT id, callback, payload, type, time, delay_seconds, cron, created_at FROM schedule WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrScheduleNotFound
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to read schedule: %w", err)
	}
	return sched, nil
}

// ListSchedules returns schedule rows matching the filter, ordered by time.
func (s *Store) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]Schedule, error) {
	query := "SELECT id, callback, payload, type, time, delay_seconds, cron, created_at FROM schedule WHERE 1=1"
	var args []any
	if filter.ID != "" {
		query += " AND id = ?"
		args = append(args, filter.ID)
	}
	if filter.Kind != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.TimeAfter > 0 {
		query += " AND time >= ?"
		args = append(args, filter.TimeAfter)
	}
	if filter.TimeBefore > 0 {
		query += " AND time <= ?"
		args = append(args, filter.TimeBefore)
	}
	query += " ORDER BY time, id"

	var scheds []Schedule
	if err := sqlx.SelectContext(ctx, s.q, &scheds, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return scheds, nil
}

// DueSchedules returns rows with time <= now, ascending by time.
func (s *Store) DueSchedules(ctx context.Context, now int64) ([]Schedule, error) {
	var scheds []Schedule
	err := sqlx.SelectContext(ctx, s.q, &scheds,
		"SELECT id, callback, payload, type, time, delay_seconds, cron, created_at FROM schedule WHERE time <= ? ORDER BY time, id", now)
	if err != nil {
		return nil, fmt.Errorf("failed to select due schedules: %w", err)
	}
	return scheds, nil
}

// UpdateScheduleTime rewrites a row's fire time (cron advancement).
func (s *Store) UpdateScheduleTime(ctx context.Context, id string, t int64) error {
	res, err := s.q.ExecContext(ctx, "UPDATE schedule SET time = ? WHERE id = ?", t, id)
	if err != nil {
		return fmt.Errorf("failed to update schedule time: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule row. Deleting an absent row is not an
// error; cancellation races with firing.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM schedule WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

// NextScheduleTime returns the smallest pending fire time, or ok=false when
// no schedules exist.
func (s *Store) NextScheduleTime(ctx context.Context) (int64, bool, error) {
	var t sql.NullInt64
	err := sqlx.GetContext(ctx, s.q, &t, "SELECT MIN(time) FROM schedule")
	if err != nil {
		return 0, false, fmt.Errorf("failed to read next schedule time: %w", err)
	}
	if !t.Valid {
		return 0, false, nil
	}
	return t.Int64, true, nil
}
