package storage

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // 纯Go SQLite驱动
)

type SQLiteStorage struct {
	sqlStore
}

func NewSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// one writer avoids SQLITE_BUSY under concurrent batch completions
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, goose.DialectSQLite3, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStorage{sqlStore{db: db}}, nil
}
