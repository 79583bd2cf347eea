package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/telemyapp/aegis-play/internal/model"
	"github.com/telemyapp/aegis-play/internal/vmpool"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestRecordSession_UpsertSkipsTerminalRows(t *testing.T) {
	mock := newMock(t)
	vmID := "vm_1"
	ended := time.Now().UTC()
	sess := model.Session{
		ID: "sess_1", UserID: "usr_1", VMID: &vmID, AppID: "730", Region: "us-east-1",
		Status: model.SessionEnded, StartedAt: ended.Add(-time.Minute), EndedAt: &ended,
	}

	mock.ExpectExec(regexp.QuoteMeta("where play_sessions.status not in ('ended', 'error')")).
		WithArgs("sess_1", "usr_1", &vmID, "730", "us-east-1", "ended", "", sess.StartedAt, &ended).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := New(mock).RecordSession(context.Background(), sess); err != nil {
		t.Fatalf("RecordSession returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetSession(t *testing.T) {
	mock := newMock(t)
	vmID := "vm_1"
	started := time.Now().UTC().Add(-time.Hour)
	var ended *time.Time
	cols := []string{"id", "user_id", "vm_id", "app_id", "region", "status", "error", "started_at", "ended_at"}

	mock.ExpectQuery(regexp.QuoteMeta("from play_sessions")).
		WithArgs("sess_1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("sess_1", "usr_1", &vmID, "730", "us-east-1", "active", "", started, ended))
	mock.ExpectQuery(regexp.QuoteMeta("from play_sessions")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	s := New(mock)
	out, err := s.GetSession(context.Background(), "sess_1")
	if err != nil {
		t.Fatalf("GetSession returned err: %v", err)
	}
	if out.Status != model.SessionActive || out.VMID == nil || *out.VMID != "vm_1" || out.EndedAt != nil {
		t.Fatalf("unexpected session: %+v", out)
	}
	if _, err := s.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordVMEvent_WritesRowAndHistory(t *testing.T) {
	mock := newMock(t)
	now := time.Now().UTC()
	ev := vmpool.Event{
		VM: model.VirtualMachine{
			ID: "vm_1", TemplateID: "gpu-small", Region: "us-east-1", Status: model.VMError,
			InstanceID: "i-abc", Host: model.Host{Address: "10.0.0.5"}, LastError: "host lost",
			CreatedAt: now.Add(-time.Hour), UpdatedAt: now,
		},
		From:   model.VMInUse,
		To:     model.VMError,
		Reason: "host lost",
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("insert into vms")).
		WithArgs("vm_1", "gpu-small", "us-east-1", "ERROR", "i-abc", "10.0.0.5", "host lost", ev.VM.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into vm_status_events")).
		WithArgs("vm_1", "IN_USE", "ERROR", "host lost", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	if err := New(mock).RecordVMEvent(context.Background(), ev); err != nil {
		t.Fatalf("RecordVMEvent returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordVMEvent_RollsBackOnHistoryFailure(t *testing.T) {
	mock := newMock(t)
	ev := vmpool.Event{VM: model.VirtualMachine{ID: "vm_1"}, From: model.VMBooting, To: model.VMReady}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("insert into vms")).
		WithArgs("vm_1", "", "", "READY", "", "", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into vm_status_events")).
		WithArgs("vm_1", "BOOTING", "READY", "", pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := New(mock).RecordVMEvent(context.Background(), ev); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmitUsageAndRollup(t *testing.T) {
	mock := newMock(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := model.UsageEvent{
		SessionID: "sess_1", UserID: "usr_1", AppID: "730", Region: "us-east-1", VMID: "vm_1",
		Status: model.SessionEnded, StartedAt: start, EndedAt: start.Add(90 * time.Second), DurationSeconds: 90,
	}

	mock.ExpectExec(regexp.QuoteMeta("on conflict (session_id) do nothing")).
		WithArgs("sess_1", "usr_1", "730", "us-east-1", "vm_1", "ended", ev.StartedAt, ev.EndedAt, 90).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into usage_daily")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := New(mock)
	if err := s.EmitUsage(context.Background(), ev); err != nil {
		t.Fatalf("EmitUsage returned err: %v", err)
	}
	if err := s.UpsertUsageRollups(context.Background()); err != nil {
		t.Fatalf("UpsertUsageRollups returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUsageForUser(t *testing.T) {
	mock := newMock(t)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("from usage_daily")).
		WithArgs("usr_1", day).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "day", "sessions", "seconds"}).
			AddRow("usr_1", day, 2, 600).
			AddRow("usr_1", day.AddDate(0, 0, 1), 1, 120))

	out, err := New(mock).UsageForUser(context.Background(), "usr_1", day)
	if err != nil {
		t.Fatalf("UsageForUser returned err: %v", err)
	}
	if len(out) != 2 || out[0].Seconds != 600 || out[1].Sessions != 1 {
		t.Fatalf("unexpected rollups: %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMaintenanceQueries(t *testing.T) {
	mock := newMock(t)
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("set status = 'error', error = 'orphaned'")).
		WithArgs(cutoff, []string{}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectExec(regexp.QuoteMeta("delete from vm_status_events where observed_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	s := New(mock)
	n, err := s.CloseOrphanedSessions(context.Background(), nil, cutoff)
	if err != nil || n != 3 {
		t.Fatalf("CloseOrphanedSessions: n=%d err=%v", n, err)
	}
	n, err = s.PruneVMEvents(context.Background(), cutoff)
	if err != nil || n != 7 {
		t.Fatalf("PruneVMEvents: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
