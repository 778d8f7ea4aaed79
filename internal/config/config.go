// Package config は通知サービスの設定を読み込む。
//
// カレントディレクトリまたは ./config の config.yaml を読み込み、
// 同名の環境変数で上書きする。どちらも無い項目は既定値となる。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// リマインダー定義の読み込み元。
const (
	ReminderSourceSQLite = "sqlite"
	ReminderSourceHTTP   = "http"
)

// Config は通知サービスの設定値。
type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// JWTSecret はREST APIとWebSocket認証で共有するHS256の署名鍵。
	JWTSecret string `mapstructure:"JWT_SECRET"`

	// DatabasePath は通知ストアのSQLiteファイルパス。
	DatabasePath string `mapstructure:"DATABASE_PATH"`

	// InternalServiceToken は内部APIを呼ぶサービスが送るBearerトークン。空なら内部APIを公開しない。
	InternalServiceToken string `mapstructure:"INTERNAL_SERVICE_TOKEN"`

	ReminderSource     string `mapstructure:"REMINDER_SOURCE"`
	ReminderDBPath     string `mapstructure:"REMINDER_DB_PATH"`
	ReminderServiceURL string `mapstructure:"REMINDER_SERVICE_URL"`

	// ReminderServiceToken はリマインダーサービスへ送るBearerトークン。
	ReminderServiceToken string `mapstructure:"REMINDER_SERVICE_TOKEN"`

	SchedulerInterval      time.Duration `mapstructure:"SCHEDULER_INTERVAL"`
	SchedulerTimezone      string        `mapstructure:"SCHEDULER_TIMEZONE"`
	SchedulerCatchUpWindow time.Duration `mapstructure:"SCHEDULER_CATCH_UP_WINDOW"`

	// RedisAddr が空の場合、インスタンス間のファンアウトは無効になる。
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	CORSAllowedOrigins []string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RateLimitPerMin    int      `mapstructure:"RATE_LIMIT_PER_MIN"`
	WSSendBuffer       int      `mapstructure:"WS_SEND_BUFFER"`

	// Location は SchedulerTimezone を解決した結果。
	Location *time.Location `mapstructure:"-"`
}

const devJWTSecret = "dev-secret-key"

// Load は新しいviperインスタンスで設定を読み込む。
func Load() (Config, error) {
	return LoadWith(viper.New())
}

// LoadWith は渡されたviperインスタンスに既定値と環境変数を設定して読み込む。
// CLIフラグをバインド済みのインスタンスを渡すこともできる。
func LoadWith(v *viper.Viper) (Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("設定の展開に失敗: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8086")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("JWT_SECRET", devJWTSecret)
	v.SetDefault("DATABASE_PATH", "data/notification.db")
	v.SetDefault("INTERNAL_SERVICE_TOKEN", "")
	v.SetDefault("REMINDER_SOURCE", ReminderSourceSQLite)
	v.SetDefault("REMINDER_DB_PATH", "data/reminder.db")
	v.SetDefault("REMINDER_SERVICE_URL", "http://localhost:8085")
	v.SetDefault("REMINDER_SERVICE_TOKEN", "")
	v.SetDefault("SCHEDULER_INTERVAL", "60s")
	v.SetDefault("SCHEDULER_TIMEZONE", "Local")
	v.SetDefault("SCHEDULER_CATCH_UP_WINDOW", "1m")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CORS_ALLOWED_ORIGINS", []string{"*"})
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("WS_SEND_BUFFER", 32)
}

// IsProduction は本番環境で動作しているかを返す。
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// UseRedis はRedisブリッジを有効にするかを返す。
func (c Config) UseRedis() bool {
	return c.RedisAddr != ""
}

func (c *Config) validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("PORT が空です"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET が空です"))
	} else if c.IsProduction() && c.JWTSecret == devJWTSecret {
		errs = append(errs, errors.New("本番環境では JWT_SECRET の設定が必要です"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH が空です"))
	}

	switch c.ReminderSource {
	case ReminderSourceSQLite:
		if c.ReminderDBPath == "" {
			errs = append(errs, errors.New("REMINDER_DB_PATH が空です"))
		} else if c.ReminderDBPath == c.DatabasePath {
			errs = append(errs, errors.New("REMINDER_DB_PATH と DATABASE_PATH には別のファイルを指定してください"))
		}
	case ReminderSourceHTTP:
		if c.ReminderServiceURL == "" {
			errs = append(errs, errors.New("REMINDER_SERVICE_URL が空です"))
		}
	default:
		errs = append(errs, fmt.Errorf("REMINDER_SOURCE %q は sqlite または http を指定してください", c.ReminderSource))
	}

	if c.SchedulerInterval <= 0 {
		errs = append(errs, errors.New("SCHEDULER_INTERVAL は正の値を指定してください"))
	}
	if c.SchedulerCatchUpWindow <= 0 || c.SchedulerCatchUpWindow > 24*time.Hour {
		errs = append(errs, errors.New("SCHEDULER_CATCH_UP_WINDOW は0より大きく24時間以下で指定してください"))
	}
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("SCHEDULER_TIMEZONE %q が不正です: %w", c.SchedulerTimezone, err))
	}
	c.Location = loc

	if c.RedisDB < 0 {
		errs = append(errs, errors.New("REDIS_DB は0以上を指定してください"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER は正の値を指定してください"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}
