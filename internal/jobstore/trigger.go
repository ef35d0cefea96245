package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// TriggerKind is the time basis of a standing trigger.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerOneShot  TriggerKind = "one-shot"
)

// Trigger is a persisted standing rule that materializes new jobs on a time
// basis. The scheduler owns all trigger mutation; the store only persists.
type Trigger struct {
	ID       string
	Kind     TriggerKind
	CronExpr string        // cron only: 5-field expression
	Every    time.Duration // interval only
	RunAt    time.Time     // one-shot only
	NextRun  time.Time
	Paused   bool
	Template JobSpec
}

// SaveTrigger inserts or replaces a trigger row.
func (s *Store) SaveTrigger(ctx context.Context, t Trigger) error {
	meta, err := encodeMetadata(t.Template.Metadata)
	if err != nil {
		return storeErr("save_trigger", err)
	}
	var runAt any
	if !t.RunAt.IsZero() {
		runAt = t.RunAt.UnixNano()
	}
	var everyNS any
	if t.Every > 0 {
		everyNS = int64(t.Every)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers(id, kind, cron_expr, every_ns, run_at, next_run, paused,
			name, target, handler, priority, max_retries, metadata)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, cron_expr=excluded.cron_expr, every_ns=excluded.every_ns,
			run_at=excluded.run_at, next_run=excluded.next_run, paused=excluded.paused,
			name=excluded.name, target=excluded.target, handler=excluded.handler,
			priority=excluded.priority, max_retries=excluded.max_retries, metadata=excluded.metadata`,
		t.ID, string(t.Kind), nullStr(t.CronExpr), everyNS, runAt,
		t.NextRun.UnixNano(), boolToInt(t.Paused),
		t.Template.Name, t.Template.Target, t.Template.Handler,
		t.Template.Priority, t.Template.MaxRetries, meta,
	)
	return storeErr("save_trigger", err)
}

// DeleteTrigger removes a trigger; unknown ids return ErrNotFound.
func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete_trigger", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete_trigger", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTriggers returns all persisted triggers, oldest id ordering is not
// meaningful; callers sort as needed.
func (s *Store) ListTriggers(ctx context.Context) ([]Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, cron_expr, every_ns, run_at, next_run, paused,
			name, target, handler, priority, max_retries, metadata
		 FROM triggers`,
	)
	if err != nil {
		return nil, storeErr("list_triggers", err)
	}
	defer rows.Close()

	var out []Trigger
	for rows.Next() {
		var (
			t        Trigger
			kind     string
			cronExpr sql.NullString
			everyNS  sql.NullInt64
			runAt    sql.NullInt64
			nextRun  int64
			paused   int
			meta     sql.NullString
		)
		err := rows.Scan(&t.ID, &kind, &cronExpr, &everyNS, &runAt, &nextRun, &paused,
			&t.Template.Name, &t.Template.Target, &t.Template.Handler,
			&t.Template.Priority, &t.Template.MaxRetries, &meta)
		if err != nil {
			return nil, storeErr("list_triggers", err)
		}
		t.Kind = TriggerKind(kind)
		if cronExpr.Valid {
			t.CronExpr = cronExpr.String
		}
		if everyNS.Valid {
			t.Every = time.Duration(everyNS.Int64)
		}
		if runAt.Valid {
			t.RunAt = time.Unix(0, runAt.Int64)
		}
		t.NextRun = time.Unix(0, nextRun)
		t.Paused = paused != 0
		if meta.Valid && meta.String != "" {
			m := map[string]string{}
			if err := json.Unmarshal([]byte(meta.String), &m); err == nil {
				t.Template.Metadata = m
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_triggers", err)
	}
	return out, nil
}

// UpdateTriggerNextRun persists the next fire time after a firing.
func (s *Store) UpdateTriggerNextRun(ctx context.Context, id string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET next_run = ? WHERE id = ?`, next.UnixNano(), id)
	if err != nil {
		return storeErr("update_trigger", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update_trigger", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTriggerPaused flips the paused flag.
func (s *Store) SetTriggerPaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET paused = ? WHERE id = ?`, boolToInt(paused), id)
	if err != nil {
		return storeErr("pause_trigger", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("pause_trigger", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
