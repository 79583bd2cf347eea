package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telemyapp/aegis-play/internal/model"
	"github.com/telemyapp/aegis-play/internal/vmpool"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

// RecordSession upserts the session row. A row that already reached ended
// or error is left alone, so a late write from a start path cannot revive it.
func (s *Store) RecordSession(ctx context.Context, sess model.Session) error {
	const q = `
insert into play_sessions
  (id, user_id, vm_id, app_id, region, status, error, started_at, ended_at, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
on conflict (id)
do update set
  vm_id = excluded.vm_id,
  status = excluded.status,
  error = excluded.error,
  ended_at = excluded.ended_at,
  updated_at = now()
where play_sessions.status not in ('ended', 'error')`
	_, err := s.db.Exec(ctx, q, sess.ID, sess.UserID, sess.VMID, sess.AppID, sess.Region,
		string(sess.Status), sess.Error, sess.StartedAt, sess.EndedAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	const q = `
select id, user_id, vm_id, app_id, region, status, error, started_at, ended_at
from play_sessions
where id = $1`
	var out model.Session
	var status string
	if err := s.db.QueryRow(ctx, q, sessionID).Scan(
		&out.ID, &out.UserID, &out.VMID, &out.AppID, &out.Region, &status, &out.Error, &out.StartedAt, &out.EndedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out.Status = model.SessionStatus(status)
	return &out, nil
}

// RecordVMEvent appends the transition to the VM history and refreshes the
// VM's current row in one transaction.
func (s *Store) RecordVMEvent(ctx context.Context, ev vmpool.Event) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const upsertVM = `
insert into vms
  (id, template_id, region, status, instance_id, host_address, last_error, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, now())
on conflict (id)
do update set
  status = excluded.status,
  instance_id = excluded.instance_id,
  host_address = excluded.host_address,
  last_error = excluded.last_error,
  updated_at = now()`
	vm := ev.VM
	if _, err := tx.Exec(ctx, upsertVM, vm.ID, vm.TemplateID, vm.Region, string(ev.To), vm.InstanceID,
		vm.Host.Address, vm.LastError, vm.CreatedAt); err != nil {
		return err
	}

	const insertEvent = `
insert into vm_status_events (vm_id, from_status, to_status, reason, observed_at)
values ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, insertEvent, vm.ID, string(ev.From), string(ev.To), ev.Reason, vm.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// EmitUsage stores one usage event per session; repeats are ignored.
func (s *Store) EmitUsage(ctx context.Context, ev model.UsageEvent) error {
	const q = `
insert into usage_events
  (session_id, user_id, app_id, region, vm_id, status, started_at, ended_at, duration_seconds, created_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
on conflict (session_id) do nothing`
	_, err := s.db.Exec(ctx, q, ev.SessionID, ev.UserID, ev.AppID, ev.Region, ev.VMID,
		string(ev.Status), ev.StartedAt, ev.EndedAt, ev.DurationSeconds)
	return err
}

type UsageSummary struct {
	UserID   string
	Day      time.Time
	Sessions int
	Seconds  int
}

// UsageForUser returns the daily rollups of a user since the given day.
func (s *Store) UsageForUser(ctx context.Context, userID string, since time.Time) ([]UsageSummary, error) {
	const q = `
select user_id, day, sessions, seconds
from usage_daily
where user_id = $1 and day >= $2
order by day asc`
	rows, err := s.db.Query(ctx, q, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]UsageSummary, 0)
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.UserID, &u.Day, &u.Sessions, &u.Seconds); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpsertUsageRollups(ctx context.Context) error {
	const q = `
insert into usage_daily (user_id, day, sessions, seconds, updated_at)
select
  user_id,
  date_trunc('day', started_at)::date,
  count(*),
  coalesce(sum(duration_seconds), 0),
  now()
from usage_events
group by user_id, date_trunc('day', started_at)::date
on conflict (user_id, day)
do update set
  sessions = excluded.sessions,
  seconds = excluded.seconds,
  updated_at = now()`
	_, err := s.db.Exec(ctx, q)
	return err
}

// CloseOrphanedSessions marks rows that are still live in the database but
// unknown to the running orchestrator, which happens after a restart.
func (s *Store) CloseOrphanedSessions(ctx context.Context, live []string, olderThan time.Time) (int64, error) {
	const q = `
update play_sessions
set status = 'error', error = 'orphaned', ended_at = now(), updated_at = now()
where status in ('starting', 'active', 'paused')
  and started_at < $1
  and not (id = any($2))`
	if live == nil {
		live = []string{}
	}
	tag, err := s.db.Exec(ctx, q, olderThan, live)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) PruneVMEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from vm_status_events where observed_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
