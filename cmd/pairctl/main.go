// Package main is the pairctl CLI: it runs the one-shot pairing exchange
// with the provider and stores the resulting credentials in Redis, where the
// chatlink daemon picks them up.
//
// Usage:
//
//	pairctl -server https://provider.example.com -name "kitchen laptop"
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/beacon/chatlink/internal/credentials"
	"github.com/beacon/chatlink/internal/pairing"
	"github.com/beacon/chatlink/internal/transport"
)

func main() {
	var (
		server    = flag.String("server", os.Getenv("PROVIDER_URL"), "provider base URL (http(s) or ws(s))")
		name      = flag.String("name", defaultName(), "claimed device name shown to the approving administrator")
		redisAddr = flag.String("redis", envOr("REDIS_ADDR", "localhost:6379"), "redis address for credential storage")
	)
	flag.Parse()

	if *server == "" {
		fmt.Fprintln(os.Stderr, "pairctl: -server (or PROVIDER_URL) is required")
		os.Exit(2)
	}

	wsURL, err := transport.ResolveWebSocketURL(*server)
	if err != nil {
		log.Fatalf("invalid server URL: %v", err)
	}

	credStore, err := credentials.NewStore(*redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer credStore.Close()

	ctx := context.Background()
	deviceID, err := credStore.EnsureDeviceID(ctx)
	if err != nil {
		log.Fatalf("failed to resolve device id: %v", err)
	}

	log.Printf("requesting pairing device=%s name=%q", deviceID, *name)
	log.Printf("waiting for approval on the provider (up to 5 minutes)...")

	pairer := pairing.NewClient(nil, pairing.DefaultConfig())
	result, err := pairer.RequestPairing(ctx, wsURL, *name, deviceID)
	if err != nil {
		log.Fatalf("pairing failed: %v", err)
	}

	if !result.Approved {
		log.Fatalf("pairing denied: %s", result.Reason)
	}

	if err := credStore.Save(ctx, deviceID, credentials.Credentials{
		Token:  result.Token,
		UserID: result.UserID,
	}); err != nil {
		log.Fatalf("failed to store credentials: %v", err)
	}

	fmt.Printf("paired successfully\n")
	fmt.Printf("  user_id:   %s\n", result.UserID)
	fmt.Printf("  device_id: %s\n", deviceID)
}

func defaultName() string {
	if v := os.Getenv("CLAIMED_NAME"); v != "" {
		return v
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "chatlink"
	}
	return host
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
