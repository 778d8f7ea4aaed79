package reminder

import "context"

// Source は有効なリマインダー定義の読み込み元。
type Source interface {
	ListEnabled(ctx context.Context) ([]Reminder, error)
}
