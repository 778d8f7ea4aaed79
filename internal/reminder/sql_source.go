package reminder

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/carebell/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate はリマインダーテーブルのマイグレーションを適用する。
// リマインダーサービスが未起動でもスケジューラーが動作できるように、通知サービス側でも実行する。
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	_, err := migration.Run(ctx, db, migrationsFS, "migrations", logger)
	return err
}

// SQLSource はSQLiteのリマインダーテーブルを読む Source。
type SQLSource struct {
	db *sql.DB
}

// NewSQLSource は SQLSource を生成する。
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

const listEnabledReminders = `
SELECT id, owner_id, title, category, date, time, recurrence, COALESCE(dosage, ''), enabled
FROM reminders
WHERE enabled = 1
ORDER BY owner_id, time, id
`

// ListEnabled は有効なリマインダーを返す。
func (s *SQLSource) ListEnabled(ctx context.Context) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, listEnabledReminders)
	if err != nil {
		return nil, fmt.Errorf("リマインダーの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reminders []Reminder
	for rows.Next() {
		var (
			r       Reminder
			enabled int64
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Title, &r.Category, &r.Date, &r.Time, &r.Recurrence, &r.Dosage, &enabled); err != nil {
			return nil, fmt.Errorf("リマインダーの読み込みに失敗: %w", err)
		}
		r.Enabled = enabled != 0
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リマインダーの取得に失敗: %w", err)
	}
	return reminders, nil
}
