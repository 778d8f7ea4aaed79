package migration

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLiteドライバ
)

// OpenSQLite はSQLiteデータベースを開く。
// path が ":memory:" の場合はテスト用のインメモリDBとなる。
// 接続ごとに別DBになるインメモリDBと書き込みの直列化のため、最大接続数は1に固定する。
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	return db, nil
}
