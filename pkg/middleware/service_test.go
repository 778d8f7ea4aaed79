package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// TestServiceAuth はサービストークンの検証を検証する。
func TestServiceAuth(t *testing.T) {
	t.Parallel()

	userToken, err := GenerateJWT(testSecret, "user-1", "user-1@example.com")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name       string
		configured string
		header     string
		wantCode   int
	}{
		{name: "正しいサービストークンは通過すること", configured: "svc-token", header: "Bearer svc-token", wantCode: http.StatusOK},
		{name: "ヘッダーが無い場合は401になること", configured: "svc-token", wantCode: http.StatusUnauthorized},
		{name: "異なるトークンは401になること", configured: "svc-token", header: "Bearer other", wantCode: http.StatusUnauthorized},
		{name: "ユーザーのJWTでは通過できないこと", configured: "svc-token", header: "Bearer " + userToken, wantCode: http.StatusUnauthorized},
		{name: "トークン未設定なら全て拒否すること", configured: "", header: "Bearer anything", wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := gin.New()
			router.POST("/api/v1/internal/notifications/system", ServiceAuth(tt.configured), func(c *gin.Context) {
				if !c.GetBool("service") {
					t.Error("service フラグが設定されていない")
				}
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/notifications/system", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}
