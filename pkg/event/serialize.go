package event

import (
	"encoding/json"
	"fmt"
)

// New は新しいメッセージを生成する。
// dataにはメッセージ固有のペイロード構造体を渡す。JSON形式にシリアライズされる。
func New(name Name, data any) (*Message, error) {
	if data == nil {
		return &Message{Event: name}, nil
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("メッセージデータのシリアライズに失敗: %w", err)
	}
	return &Message{
		Event: name,
		Data:  jsonData,
	}, nil
}

// MustNew はNewと同じだが、シリアライズに失敗した場合はpanicする。
// 固定のペイロード型にのみ使用すること。
func MustNew(name Name, data any) *Message {
	m, err := New(name, data)
	if err != nil {
		panic(err)
	}
	return m
}

// DecodeData はメッセージのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](m *Message) (*T, error) {
	var data T
	if len(m.Data) == 0 {
		return &data, nil
	}
	if err := json.Unmarshal(m.Data, &data); err != nil {
		return nil, fmt.Errorf("メッセージデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

// Encode はメッセージをワイヤ形式のJSONに変換する。
func Encode(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("メッセージのエンコードに失敗: %w", err)
	}
	return b, nil
}

// Decode はワイヤ形式のJSONをメッセージに変換する。
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("メッセージのデコードに失敗: %w", err)
	}
	if m.Event == "" {
		return nil, fmt.Errorf("メッセージのeventが空です")
	}
	return &m, nil
}
