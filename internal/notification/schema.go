package notification

import (
	"context"
	"database/sql"
	"embed"

	"go.uber.org/zap"

	"github.com/nao1215/carebell/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate は通知ストアのマイグレーションを適用する。
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	_, err := migration.Run(ctx, db, migrationsFS, "migrations", logger)
	return err
}
