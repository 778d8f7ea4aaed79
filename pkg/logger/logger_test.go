package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestNew は環境とレベル指定に応じたロガー生成を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		env       string
		level     string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{name: "開発環境の既定はdebugであること", env: "development", wantLevel: zapcore.DebugLevel},
		{name: "本番環境の既定はinfoであること", env: "production", wantLevel: zapcore.InfoLevel},
		{name: "レベル指定が優先されること", env: "production", level: "WARN", wantLevel: zapcore.WarnLevel},
		{name: "不正なレベルはエラーになること", env: "development", level: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l, err := New(tt.env, tt.level)
			if tt.wantErr {
				if err == nil {
					t.Fatal("New()がエラーを返すべきだが、nilが返った")
				}
				return
			}
			if err != nil {
				t.Fatalf("New()でエラーが発生: %v", err)
			}
			if !l.Core().Enabled(tt.wantLevel) {
				t.Errorf("レベル %v が有効になっていない", tt.wantLevel)
			}
			if tt.wantLevel > zapcore.DebugLevel && l.Core().Enabled(tt.wantLevel-1) {
				t.Errorf("レベル %v より低いレベルが有効になっている", tt.wantLevel)
			}
		})
	}
}

// TestIsProduction は本番環境判定を検証する。
func TestIsProduction(t *testing.T) {
	t.Parallel()

	if !IsProduction("Production") {
		t.Error("IsProduction(\"Production\") = false, want true")
	}
	if IsProduction("development") {
		t.Error("IsProduction(\"development\") = true, want false")
	}
}
