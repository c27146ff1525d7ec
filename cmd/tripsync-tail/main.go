package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/wanderlog/tripsync/internal/syncclient"
	"github.com/wanderlog/tripsync/internal/tripsync"
)

// tripsync-tail keeps a local replica of one router and prints every change
// as it lands, catch-up and live alike. With a data dir the replica survives
// restarts and resumes from its saved cursor.
func main() {
	baseURL := flag.String("base-url", envOrDefault("TRIPSYNC_SERVER", "http://127.0.0.1:8080"), "tripsync server base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("TRIPSYNC_TOKEN")), "bearer token")
	router := flag.String("router", envOrDefault("TRIPSYNC_ROUTER", "travels"), "router to tail")
	dataDir := flag.String("data-dir", strings.TrimSpace(os.Getenv("TRIPSYNC_DATA_DIR")), "local replica directory (empty for in-memory)")
	timeout := flag.Duration("timeout", durationEnv("TRIPSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "print the current snapshot and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or TRIPSYNC_TOKEN)")
	}

	store, err := buildStore(*dataDir)
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}
	defer store.Close()

	client := syncclient.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coll, err := syncclient.Open[json.RawMessage](ctx, client, store, syncclient.CollectionConfig[json.RawMessage]{
		Router: *router,
		Decode: func(data json.RawMessage) (json.RawMessage, error) { return data, nil },
		IDOf:   func(data json.RawMessage) string { return tripsync.EntityID(data) },
		Logger: log.Default(),
		OnStateChange: func(state syncclient.ConnState) {
			log.Printf("%s: %s", *router, state)
		},
	})
	if err != nil {
		log.Fatalf("failed to open replica: %v", err)
	}
	defer coll.Close()

	printSnapshot(coll.Query(nil), coll.Cursor())
	if *once {
		return
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("tail stopping: %v", ctx.Err())
			return
		case <-coll.Watch():
			printSnapshot(coll.Query(nil), coll.Cursor())
		}
	}
}

func buildStore(dataDir string) (syncclient.LocalStore, error) {
	if dataDir == "" {
		return syncclient.NewMemoryStore(), nil
	}
	return syncclient.NewBadgerStore(dataDir)
}

func printSnapshot(items []json.RawMessage, cursor int64) {
	fmt.Println(renderSnapshot(items, cursor))
}

// renderSnapshot prints one line per record, id-sorted, headed by the cursor.
func renderSnapshot(items []json.RawMessage, cursor int64) string {
	sorted := make([]json.RawMessage, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return tripsync.EntityID(sorted[i]) < tripsync.EntityID(sorted[j])
	})
	var b strings.Builder
	fmt.Fprintf(&b, "-- cursor %d, %d records", cursor, len(sorted))
	for _, item := range sorted {
		b.WriteString("\n")
		b.Write(item)
	}
	return b.String()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
