package archive

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ChuLiYu/raft-recovery/pkg/types"
)

func ptr(v int64) *int64 { return &v }

func TestResolveFiltersAndOrders(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	r := New(db, "archives")

	rows := sqlmock.NewRows([]string{"id"}).AddRow("B").AddRow("A")
	mock.ExpectQuery("SELECT id FROM archives").
		WithArgs(ptr(100), ptr(200)).
		WillReturnRows(rows)

	cfg := &types.SearchConfig{BeginTimestamp: ptr(100), EndTimestamp: ptr(200)}
	ids, err := r.Resolve(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ids) != 2 || ids[0] != "B" || ids[1] != "A" {
		t.Fatalf("unexpected order: %v", ids)
	}
}

func TestResolveEmptyIsNotAnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	r := New(db, "archives")
	mock.ExpectQuery("SELECT id FROM archives").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ids, err := r.Resolve(context.Background(), &types.SearchConfig{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no archives, got %v", ids)
	}
}
