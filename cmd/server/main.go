package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yoshikobaru/root/internal/api"
	"github.com/yoshikobaru/root/internal/config"
	"github.com/yoshikobaru/root/internal/db"
	"github.com/yoshikobaru/root/internal/logger"
	"github.com/yoshikobaru/root/internal/ratelimit"
	"github.com/yoshikobaru/root/internal/tgbot"
)

func main() {
	cfg := config.Load()

	zlog, err := logger.NewSugar(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		zlog.Fatalw("db connect", "err", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		zlog.Fatalw("db migrate", "err", err)
	}

	// Rate limiting degrades to allow-all when Redis is absent.
	var limiter api.RateLimiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			zlog.Warnw("redis unavailable, rate limiting disabled", "err", err)
		} else {
			limiter = ratelimit.New(rdb, cfg.RateLimit, cfg.RateWindow, zlog)
		}
	}

	// The API keeps serving without the bot: invoices and broadcasts
	// come back 503 until Telegram is reachable again.
	var botClient api.BotClient
	if bot, err := tgbot.New(cfg, database, zlog); err != nil {
		zlog.Warnw("telegram unavailable, running without bot", "err", err)
	} else {
		botClient = bot
		go bot.StartPolling(ctx)
		zlog.Infow("telegram polling enabled", "bot", bot.Username())
	}

	apiSrv := &api.API{Cfg: cfg, Store: database, Bot: botClient, Limiter: limiter, Log: zlog}

	srv := &http.Server{
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	var redirectSrv *http.Server
	if cfg.TLSEnabled() {
		srv.Addr = ":" + cfg.HTTPSPort
		go func() {
			zlog.Infow("https listening", "port", cfg.HTTPSPort)
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		}()

		redirectSrv = &http.Server{
			Addr:              ":" + cfg.HTTPPort,
			ReadHeaderTimeout: 5 * time.Second,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				target := "https://" + r.Host + r.URL.RequestURI()
				http.Redirect(w, r, target, http.StatusMovedPermanently)
			}),
		}
		go func() {
			zlog.Infow("http redirect listening", "port", cfg.HTTPPort)
			errCh <- redirectSrv.ListenAndServe()
		}()
	} else {
		srv.Addr = ":" + cfg.HTTPPort
		go func() {
			zlog.Infow("http listening", "port", cfg.HTTPPort)
			errCh <- srv.ListenAndServe()
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		zlog.Infow("shutting down", "signal", s.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Errorw("listener failed", "err", err)
		}
	}
	cancel()

	ctxShut, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShut()
	_ = srv.Shutdown(ctxShut)
	if redirectSrv != nil {
		_ = redirectSrv.Shutdown(ctxShut)
	}
}
