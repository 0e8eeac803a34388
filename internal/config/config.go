// Package config はアプリケーションの設定を管理します
// コマンドラインフラグと環境変数から設定を読み込み、デフォルト値を提供します
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "MIO" // 環境変数の接頭辞（例: MIO_API_ADDR）

	defaultAPIAddr         = ":8080"                 // APIサーバーのデフォルトリッスンアドレス
	defaultRedisAddr       = "localhost:6379"        // Redisのデフォルト接続先
	defaultStore           = StoreRedis              // デフォルトのデータストア
	defaultRoomTTLSec      = 60 * 60                 // ルームのデフォルトTTL（1時間）
	defaultPublicURL       = "http://localhost:3000" // 招待リンクの基準URL
	defaultAuthTimeout     = 10 * time.Minute        // 認証までの制限時間
	defaultMaxMessageBytes = 8 << 20                 // 受信メッセージの最大サイズ（音声データを含む）
	defaultChatRate        = 2.0                     // チャットの毎秒の送信数
	defaultChatBurst       = 5                       // チャットのバースト数
	defaultLogLevel        = "info"
)

// データストアの種類
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://localhost:3002",
}

// legacyEnv は接頭辞なしで読み込む旧来の環境変数名
var legacyEnv = map[string]string{
	"api-addr":             "API_ADDR",
	"redis-addr":           "REDIS_ADDR",
	"room-ttl-sec":         "ROOM_TTL_SEC",
	"cors-allowed-origins": "CORS_ALLOWED_ORIGINS",
}

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr         string        // APIサーバーのリッスンアドレス
	RedisAddr       string        // Redisの接続先
	Store           string        // データストア（redis または memory）
	RoomTTL         int           // ルームのTTL（秒）
	AllowedOrigin   []string      // CORSで許可するオリジン一覧
	PublicURL       string        // 招待リンクの基準URL
	AuthTimeout     time.Duration // 認証までの制限時間（0なら無制限）
	MaxMessageBytes int64         // 受信メッセージの最大サイズ
	ChatRate        float64       // チャットの毎秒の送信数
	ChatBurst       int           // チャットのバースト数
	LogLevel        string        // ログレベル
	LogPretty       bool          // コンソール向けのログ出力
}

// RegisterFlags はフラグをデフォルト値とともに登録します
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.APIAddr, "api-addr", defaultAPIAddr, "address to listen on (env: MIO_API_ADDR, API_ADDR)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", defaultRedisAddr, "redis address (env: MIO_REDIS_ADDR, REDIS_ADDR)")
	fs.StringVar(&cfg.Store, "store", defaultStore, "data store: redis or memory (env: MIO_STORE)")
	fs.IntVar(&cfg.RoomTTL, "room-ttl-sec", defaultRoomTTLSec, "seconds before an idle room expires (env: MIO_ROOM_TTL_SEC, ROOM_TTL_SEC)")
	fs.StringSliceVar(&cfg.AllowedOrigin, "cors-allowed-origins", defaultAllowedOrigins, "allowed origins (env: MIO_CORS_ALLOWED_ORIGINS, CORS_ALLOWED_ORIGINS)")
	fs.StringVar(&cfg.PublicURL, "public-url", defaultPublicURL, "base url of the client used for invite links (env: MIO_PUBLIC_URL)")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", defaultAuthTimeout, "time before unauthenticated connections are closed, 0 disables (env: MIO_AUTH_TIMEOUT)")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", defaultMaxMessageBytes, "maximum size of an inbound message (env: MIO_MAX_MESSAGE_BYTES)")
	fs.Float64Var(&cfg.ChatRate, "chat-rate", defaultChatRate, "chat messages per second per connection (env: MIO_CHAT_RATE)")
	fs.IntVar(&cfg.ChatBurst, "chat-burst", defaultChatBurst, "chat burst per connection (env: MIO_CHAT_BURST)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (env: MIO_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogPretty, "log-pretty", false, "human readable log output (env: MIO_LOG_PRETTY)")
}

// ApplyEnv はコマンドラインで指定されなかったフラグに環境変数の値を反映します
// MIO_ 接頭辞付きの名前を優先し、なければ旧来の名前を参照します
func ApplyEnv(fs *pflag.FlagSet, v *viper.Viper) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		envs := []string{envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))}
		if legacy, ok := legacyEnv[f.Name]; ok {
			envs = append(envs, legacy)
		}
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(append([]string{f.Name}, envs...)...)
		if !f.Changed && v.IsSet(f.Name) {
			if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", envs[0], err))
			}
		}
	})
	return errors.Join(errs...)
}

// Load は解析済みのフラグに環境変数を反映し、設定を検証します
// フラグはRegisterFlagsでcfgに紐付けておくこと
func Load(fs *pflag.FlagSet, cfg *Config) error {
	if err := ApplyEnv(fs, viper.New()); err != nil {
		return err
	}
	return cfg.Validate()
}

// Validate は設定値を検証し、オリジン一覧を正規化します
func (c *Config) Validate() error {
	switch c.Store {
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("redis-addr is required when store is redis")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q (must be %s or %s)", c.Store, StoreRedis, StoreMemory)
	}
	if c.RoomTTL <= 0 {
		return fmt.Errorf("room-ttl-sec must be positive: %d", c.RoomTTL)
	}
	if c.AuthTimeout < 0 {
		return fmt.Errorf("auth-timeout must not be negative: %s", c.AuthTimeout)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max-message-bytes must be positive: %d", c.MaxMessageBytes)
	}
	if c.ChatRate <= 0 || c.ChatBurst <= 0 {
		return fmt.Errorf("chat-rate and chat-burst must be positive: %v, %d", c.ChatRate, c.ChatBurst)
	}
	if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid public-url: %q", c.PublicURL)
	}

	origins := make([]string, 0, len(c.AllowedOrigin))
	for _, o := range c.AllowedOrigin {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.AllowedOrigin = origins
	return nil
}
