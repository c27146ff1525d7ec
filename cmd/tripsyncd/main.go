package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wanderlog/tripsync/internal/httpapi"
	"github.com/wanderlog/tripsync/internal/tripsync"
)

func main() {
	log := logrus.New()
	if strings.EqualFold(os.Getenv("TRIPSYNC_LOG_FORMAT"), "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	addr := os.Getenv("TRIPSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backend, err := buildBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize backend: %v", err)
	}
	defer backend.Close()

	broadcaster := tripsync.NewBroadcaster(backend, tripsync.BroadcasterOptions{
		Buffer: intEnv("TRIPSYNC_STREAM_BUFFER", 0),
	})
	defer broadcaster.Close()

	notifier, bridge, redisClient, err := buildNotifierFromEnv(broadcaster, log)
	if err != nil {
		log.Fatalf("failed to initialize redis fan-out: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	service, err := tripsync.NewService(backend, tripsync.ServiceOptions{
		Routers:  tripsync.DefaultRouters(),
		Notifier: notifier,
	})
	if err != nil {
		log.Fatalf("failed to initialize service: %v", err)
	}

	server := httpapi.NewServer(service, broadcaster, httpapi.ServerConfig{
		JWTSecret:    os.Getenv("TRIPSYNC_JWT_SECRET"),
		MaxBodyBytes: int64Env("TRIPSYNC_MAX_BODY_BYTES", 0),
		WriteTimeout: durationEnv("TRIPSYNC_WRITE_TIMEOUT", 0),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if bridge != nil {
		go bridge.Run(ctx)
	}

	httpServer := &http.Server{Addr: addr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	log.Printf("tripsyncd listening on %s", addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	case <-ctx.Done():
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func buildBackendFromEnv() (tripsync.Backend, error) {
	dsn := strings.TrimSpace(os.Getenv("TRIPSYNC_POSTGRES_DSN"))
	if dsn == "" {
		return tripsync.NewMemoryBackend(), nil
	}
	return tripsync.NewPostgresBackend(dsn)
}

// buildNotifierFromEnv wires the post-commit fan-out path. Without Redis the
// local broadcaster is the only notifier; with Redis each commit is also
// published so peer instances can wake their own subscribers.
func buildNotifierFromEnv(broadcaster *tripsync.Broadcaster, log *logrus.Logger) (tripsync.Notifier, *tripsync.RedisBridge, *redis.Client, error) {
	redisURL := strings.TrimSpace(os.Getenv("TRIPSYNC_REDIS_URL"))
	if redisURL == "" {
		return broadcaster, nil, nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	channel := strings.TrimSpace(os.Getenv("TRIPSYNC_REDIS_CHANNEL"))
	if channel == "" {
		channel = "tripsync.notify"
	}
	client := redis.NewClient(opts)
	notifier := multiNotifier{broadcaster, tripsync.NewRedisNotifier(client, channel, log)}
	bridge := tripsync.NewRedisBridge(client, channel, broadcaster, log)
	return notifier, bridge, client, nil
}

type multiNotifier []tripsync.Notifier

func (m multiNotifier) Notify(router string, recipients []string) {
	for _, n := range m {
		n.Notify(router, recipients)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logrus.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logrus.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
