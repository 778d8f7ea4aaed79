package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

// ServiceAuth はサービス間呼び出し用の共有トークンを検証するGinミドルウェアを返す。
// ユーザーのJWTでは通過できない。
func ServiceAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || got == "" {
			abortUnauthorized(c, "Authorizationヘッダーが必要です")
			return
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			abortUnauthorized(c, "サービストークンが無効です")
			return
		}
		c.Set("service", true)
		c.Next()
	}
}
