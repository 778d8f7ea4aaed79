package reminder

import (
	"context"
	"fmt"

	"github.com/nao1215/carebell/pkg/httpclient"
)

// HTTPSource はリマインダーサービスのREST APIを読む Source。
type HTTPSource struct {
	client *httpclient.Client
	token  string
}

// NewHTTPSource は HTTPSource を生成する。token はサービス間呼び出し用のJWT。
func NewHTTPSource(client *httpclient.Client, token string) *HTTPSource {
	return &HTTPSource{client: client, token: token}
}

// listResponse はリマインダー一覧APIのレスポンス。
type listResponse struct {
	Reminders []Reminder `json:"reminders"`
}

// ListEnabled は有効なリマインダーを返す。
// サーバーが無効なリマインダーを含めて返した場合も、ここで除外する。
func (s *HTTPSource) ListEnabled(ctx context.Context) ([]Reminder, error) {
	if s.token != "" {
		ctx = httpclient.WithToken(ctx, s.token)
	}

	var resp listResponse
	if err := s.client.GetJSON(ctx, "/api/v1/reminders?enabled=true", &resp); err != nil {
		return nil, fmt.Errorf("リマインダーサービスからの取得に失敗: %w", err)
	}

	reminders := make([]Reminder, 0, len(resp.Reminders))
	for _, r := range resp.Reminders {
		if r.Enabled {
			reminders = append(reminders, r)
		}
	}
	return reminders, nil
}
