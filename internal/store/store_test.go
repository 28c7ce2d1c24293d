package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ChuLiYu/raft-recovery/pkg/types"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()

	fetcherDB, fetcherMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open fetcher sqlmock: %v", err)
	}
	updaterDB, updaterMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open updater sqlmock: %v", err)
	}

	return &Store{fetcher: fetcherDB, updater: updaterDB, table: "search_jobs"}, fetcherMock, updaterMock
}

func TestFetchPending(t *testing.T) {
	s, fetcherMock, _ := newTestStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "status", "submission_time", "search_config"}).
		AddRow(1, int(types.StatusPending), now, []byte{0x81})
	fetcherMock.ExpectQuery("SELECT id, status, submission_time, search_config FROM search_jobs WHERE status").
		WithArgs(int(types.StatusPending)).
		WillReturnRows(rows)

	got, err := s.FetchPending(context.Background())
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 || got[0].Status != types.StatusPending {
		t.Fatalf("unexpected rows: %+v", got)
	}

	if err := fetcherMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFetchCancelling(t *testing.T) {
	s, _, updaterMock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"id"}).AddRow(7).AddRow(9)
	updaterMock.ExpectQuery("SELECT id FROM search_jobs WHERE status").
		WithArgs(int(types.StatusCancelling)).
		WillReturnRows(rows)

	ids, err := s.FetchCancelling(context.Background())
	if err != nil {
		t.Fatalf("FetchCancelling: %v", err)
	}
	if len(ids) != 2 || ids[0] != 7 || ids[1] != 9 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestSetStatusCASSucceeds(t *testing.T) {
	s, _, updaterMock := newTestStore(t)

	updaterMock.ExpectExec("UPDATE search_jobs SET status").
		WithArgs(int(types.StatusRunning), "", types.JobID(1), int(types.StatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	prev := types.StatusPending
	ok, err := s.SetStatus(context.Background(), 1, types.StatusRunning, &prev, "")
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if !ok {
		t.Fatal("expected CAS to succeed")
	}
}

func TestSetStatusCASFailsWhenRowAlreadyMoved(t *testing.T) {
	s, _, updaterMock := newTestStore(t)

	// Simulate a row that was already moved by some other actor: zero rows affected.
	updaterMock.ExpectExec("UPDATE search_jobs SET status").
		WithArgs(int(types.StatusRunning), "", types.JobID(1), int(types.StatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	prev := types.StatusPending
	ok, err := s.SetStatus(context.Background(), 1, types.StatusRunning, &prev, "")
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if ok {
		t.Fatal("expected CAS to fail silently (no error, ok=false)")
	}
}

func TestInsertPendingRejectsOversizedConfig(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.InsertPending(context.Background(), make([]byte, 60001))
	if err == nil {
		t.Fatal("expected error for oversized search_config")
	}
}
