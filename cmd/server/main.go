package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mio-quiz/mio/backend/api-server/internal/config"
	"github.com/mio-quiz/mio/backend/api-server/internal/handlers"
	httpx "github.com/mio-quiz/mio/backend/api-server/internal/http"
	"github.com/mio-quiz/mio/backend/api-server/internal/logger"
	"github.com/mio-quiz/mio/backend/api-server/internal/repo"
	"github.com/mio-quiz/mio/backend/api-server/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const releaseVersion = "0.1.0"

func main() {
	cfg := &config.Config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}

func newCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mio-server",
		Short:   "Session server for the Mio intro quiz.",
		Args:    cobra.NoArgs,
		Version: releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			// .env があれば環境変数として読み込む（既存の環境変数は上書きしない）
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}
			if err := config.Load(cmd.Flags(), cfg); err != nil {
				return err
			}
			return run(cmd.Context(), *cfg)
		},
	}
	config.RegisterFlags(cmd.Flags(), cfg)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := logger.New(cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	idg := service.NewRoomIDGenerator()
	svc := service.NewQuizService(store, idg, cfg.RoomTTL)
	h := handlers.NewRoomHandler(svc, cfg.PublicURL, log)
	wsHandler := handlers.NewWebSocketHandler(svc, handlers.Options{
		MaxMessageBytes: cfg.MaxMessageBytes,
		AuthTimeout:     cfg.AuthTimeout,
		ChatRate:        cfg.ChatRate,
		ChatBurst:       cfg.ChatBurst,
		AllowedOrigins:  cfg.AllowedOrigin,
	}, log)
	router := httpx.NewRouter(h, wsHandler, cfg.AllowedOrigin, log)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown用のシグナルチャネル
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// サーバーを別goroutineで起動
	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.APIAddr).Str("store", cfg.Store).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// シャットダウンシグナルを待つ
	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received, shutting down gracefully...")
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}

	// 30秒のタイムアウトでGraceful Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
	return nil
}

// openStore は設定に応じたデータストアを開きます
func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (repo.QuizRepo, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Warn().Msg("using in-memory store; rooms are lost on restart")
		return repo.NewMemoryQuizRepo(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		PoolSize:     10,              // 接続プールサイズ
		MinIdleConns: 5,               // 最小アイドル接続数
		MaxRetries:   3,               // リトライ回数
		DialTimeout:  5 * time.Second, // 接続タイムアウト
		ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
		WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
		PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
	})

	// Redis接続確認
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	return repo.NewRedisQuizRepo(rdb), func() { _ = rdb.Close() }, nil
}
