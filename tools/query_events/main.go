// Command query_events prints the analytics events recorded for one chat
// session or one request as JSON.
//
// Usage:
//
//	go run ./tools/query_events -session=<session id>
//	go run ./tools/query_events -request=<request id>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/patrickwarner/chatads/internal/analytics"
	"github.com/patrickwarner/chatads/internal/config"
	"github.com/patrickwarner/chatads/internal/observability"
)

func main() {
	_ = godotenv.Load()
	logger, err := observability.InitStderrLogger("query_events")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var sessionID, requestID, dsn string
	flag.StringVar(&sessionID, "session", "", "chat session ID")
	flag.StringVar(&requestID, "request", "", "request ID")
	flag.StringVar(&dsn, "dsn", "", "ClickHouse DSN")
	flag.Parse()

	if (sessionID == "") == (requestID == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -session or -request is required")
		os.Exit(1)
	}
	if dsn == "" {
		dsn = config.Load().ClickHouseDSN
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := analytics.InitClickHouse(ctx, dsn, analytics.PoolConfig{
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect clickhouse: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	var events []analytics.EventRecord
	if sessionID != "" {
		events, err = a.GetEventsBySession(ctx, sessionID)
	} else {
		events, err = a.GetEventsByRequestID(ctx, requestID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "query events: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		fmt.Fprintf(os.Stderr, "encode events: %v\n", err)
		os.Exit(1)
	}
}
