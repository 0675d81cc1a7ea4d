package utils

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE staff_profiles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE staff_profiles SET role = 'new'")
		return err
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic to propagate")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("expectations: %v", err)
		}
	}()
	_ = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		panic("kaboom")
	})
}

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	if err := HealthCheck(context.Background(), db, time.Second); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}

	mock.ExpectPing().WillReturnError(errors.New("down"))
	if err := HealthCheck(context.Background(), db, time.Second); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestWithTx_WrapsBeginAndCommitErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	down := errors.New("connection reset")
	mock.ExpectBegin().WillReturnError(down)
	err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		t.Fatalf("fn must not run without a transaction")
		return nil
	})
	if !errors.Is(err, down) || !strings.Contains(err.Error(), "begin tx") {
		t.Fatalf("expected wrapped begin error, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(down)
	err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error { return nil })
	if !errors.Is(err, down) || !strings.Contains(err.Error(), "commit tx") {
		t.Fatalf("expected wrapped commit error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTx_JoinsRollbackFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback().WillReturnError(errors.New("rollback lost"))

	boom := errors.New("boom")
	err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error kept, got %v", err)
	}
	if !strings.Contains(err.Error(), "rollback lost") {
		t.Fatalf("expected rollback failure joined, got %v", err)
	}
}

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	if got.MaxOpenConns != 10 || got.MaxIdleConns != 5 {
		t.Fatalf("unexpected pool sizes: %+v", got)
	}
	if got.PingTimeout != 5*time.Second || got.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("unexpected timeouts: %+v", got)
	}

	capped := PostgresPoolConfig{MaxOpenConns: 4, MaxIdleConns: 20}.withDefaults()
	if capped.MaxIdleConns != 4 {
		t.Fatalf("expected idle capped at open, got %d", capped.MaxIdleConns)
	}
}

func TestApplyPool(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	applyPool(db, PostgresPoolConfig{MaxOpenConns: 3}.withDefaults())
	if got := db.Stats().MaxOpenConnections; got != 3 {
		t.Fatalf("expected max open 3, got %d", got)
	}
}
