package realtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nao1215/carebell/pkg/middleware"
)

// ErrAuthentication は資格情報の検証に失敗したことを示す。
var ErrAuthentication = errors.New("authentication failed")

// Verifier は資格情報を検証し、ユーザーIDを返す。
type Verifier interface {
	Verify(credential string) (string, error)
}

// JWTVerifier はREST APIと同じHS256のJWTを検証する。
type JWTVerifier struct {
	secret string
}

// NewJWTVerifier は JWTVerifier を生成する。
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify はトークンを検証する。失敗理由はクライアントへそのまま返せる短い文言にする。
func (v *JWTVerifier) Verify(credential string) (string, error) {
	claims, err := middleware.ParseToken(v.secret, credential)
	if err != nil {
		if errors.Is(err, middleware.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", ErrAuthentication)
		}
		return "", fmt.Errorf("%w: invalid token", ErrAuthentication)
	}
	return claims.UserID, nil
}

// reason はクライアントへ返す失敗理由を取り出す。
func reason(err error) string {
	if r, ok := strings.CutPrefix(err.Error(), ErrAuthentication.Error()+": "); ok {
		return r
	}
	return err.Error()
}
