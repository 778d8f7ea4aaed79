package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// トークンの発行は外部の認証サービスが行い、このサービスは検証のみを行う。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// headerKeyUserID は認証済みユーザーIDをレスポンスに付与するHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// tokenIssuer はトークンの発行者。
const tokenIssuer = "carebell-auth"

var (
	// ErrTokenExpired はトークンの有効期限切れを表す。
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid は署名不正・形式不正・ユーザーID欠落などのトークン不正を表す。
	ErrTokenInvalid = errors.New("invalid token")
)

// GenerateJWT はユーザー情報から有効期限24時間のJWTトークンを生成する。
// 開発用ツールとテストで使用する。
func GenerateJWT(secret, userID, email string) (string, error) {
	return GenerateJWTWithTTL(secret, userID, email, 24*time.Hour)
}

// GenerateJWTWithTTL は有効期限を指定してJWTトークンを生成する。
// ttlに負の値を渡すと期限切れのトークンを生成できる。
func GenerateJWTWithTTL(secret, userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseToken はトークン文字列を検証してクレームを返す。
// 期限切れの場合はErrTokenExpired、それ以外の不正はErrTokenInvalidを返す。
func ParseToken(secret, tokenString string) (*JWTClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: トークンが空です", ErrTokenInvalid)
	}

	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: user_idがありません", ErrTokenInvalid)
	}
	return claims, nil
}

// abortUnauthorized は401の構造化エラーを返して処理を打ち切る。
func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": "unauthorized"})
}

// JWTAuth はBearerトークンを検証するGinミドルウェアを返す。
// 成功するとコンテキストに "user_id" と "email" を設定し、X-User-ID ヘッダーを付与する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "Authorizationヘッダーが必要です")
			return
		}
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			abortUnauthorized(c, "Bearer トークン形式が不正です")
			return
		}

		claims, err := ParseToken(secret, tokenString)
		switch {
		case errors.Is(err, ErrTokenExpired):
			abortUnauthorized(c, "トークンの有効期限が切れています")
			return
		case err != nil:
			abortUnauthorized(c, "トークンが無効です")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Header(headerKeyUserID, claims.UserID)
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}
