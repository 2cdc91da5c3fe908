package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukerupert/screenpoints/internal/database"
	"github.com/dukerupert/screenpoints/internal/logging"
	"github.com/dukerupert/screenpoints/internal/push"
	"github.com/dukerupert/screenpoints/internal/recordstore"
	"github.com/dukerupert/screenpoints/internal/zoneserver"
)

func main() {
	logger := logging.Setup(os.Getenv("ZONED_LOG_LEVEL"), os.Getenv("ZONED_LOG_FORMAT"))

	port := os.Getenv("ZONED_PORT")
	if port == "" {
		port = "8080"
	}

	driver := os.Getenv("ZONED_DB_DRIVER")
	if driver == "" {
		driver = database.DriverSQLite
	}
	dsn := os.Getenv("ZONED_DSN")
	if dsn == "" {
		dsn = "zones.db"
	}

	db, err := database.OpenZone(driver, dsn)
	if err != nil {
		logger.Error("failed to open zone database", "driver", driver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	dialect := database.Dialect(driver)
	store := recordstore.NewSQLStore(db, dialect, nil)
	subs := push.NewSubscriptionStore(db, dialect)

	pushCfg := push.Config{
		VAPIDPublicKey:  os.Getenv("ZONED_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("ZONED_VAPID_PRIVATE_KEY"),
		Subscriber:      os.Getenv("ZONED_VAPID_SUBSCRIBER"),
	}
	var sender push.Sender
	if svc := push.NewService(pushCfg, nil); svc.Enabled() {
		sender = svc
		logger.Info("push notifications enabled")
	} else {
		logger.Info("push notifications disabled (no VAPID keys)")
	}

	rpm := 0
	if v := os.Getenv("ZONED_RATE_LIMIT"); v != "" {
		if rpm, err = strconv.Atoi(v); err != nil {
			logger.Error("invalid ZONED_RATE_LIMIT", "value", v, "error", err)
			os.Exit(1)
		}
	}

	token := os.Getenv("ZONED_TOKEN")
	if token == "" {
		logger.Warn("ZONED_TOKEN is not set; zones are open to any client")
	}

	srv := zoneserver.New(store, subs, sender, zoneserver.Config{
		Token:             token,
		VAPIDPublicKey:    pushCfg.VAPIDPublicKey,
		RequestsPerMinute: rpm,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	srv.Start(ctx)

	// No write timeout: subscription streams are long-lived.
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("zone server listening", "addr", httpServer.Addr, "driver", driver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	srv.Stop()
	slog.Info("stopped")
}
