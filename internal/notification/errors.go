package notification

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound は通知が存在しないか、要求者の所有でないことを示す。
	ErrNotFound = errors.New("notification not found")
	// ErrInvalidTransition は終端状態からの遷移を示す。
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicate は同じリマインダーの同じ発火時刻の通知が既に存在することを示す。
	ErrDuplicate = errors.New("notification already exists for this firing")
	// ErrInvalidStatus は不明なステータス指定を示す。
	ErrInvalidStatus = errors.New("invalid status")
	// ErrInvalidSnooze はスヌーズ時間が範囲外であることを示す。
	ErrInvalidSnooze = errors.New("snooze minutes out of range")
)

// APIエラーコード。クライアントはメッセージではなくコードで分岐する。
const (
	CodeUnauthorized      = "unauthorized"
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidStatus     = "invalid_status"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeInternal          = "internal"
)

// errorResponse はAPIエラーのJSON構造。
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// toErrorResponse はストアのエラーをHTTPステータスとレスポンスに変換する。
// 想定外のエラーは内部情報を含めず internal として返す。
func toErrorResponse(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: "通知が見つかりません", Code: CodeNotFound}
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, errorResponse{Error: "この通知は現在の状態から変更できません", Code: CodeInvalidTransition}
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusBadRequest, errorResponse{Error: "ステータスの指定が不正です", Code: CodeInvalidStatus}
	case errors.Is(err, ErrInvalidSnooze):
		return http.StatusBadRequest, errorResponse{Error: "スヌーズ時間は1分から1440分の範囲で指定してください", Code: CodeInvalidRequest}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "内部サーバーエラーが発生しました", Code: CodeInternal}
	}
}
