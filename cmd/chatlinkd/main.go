// Package main is the chatlink gateway daemon. It maintains the
// authenticated session with the provider, bridges chat traffic to NATS for
// local consumers, archives inbound messages to PostgreSQL, and serves
// Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beacon/chatlink/internal/chatclient"
	"github.com/beacon/chatlink/internal/credentials"
	"github.com/beacon/chatlink/internal/history"
	"github.com/beacon/chatlink/internal/messaging"
	"github.com/beacon/chatlink/internal/metrics"
	"github.com/beacon/chatlink/internal/pairing"
	"github.com/beacon/chatlink/internal/protocol"
	"github.com/beacon/chatlink/internal/ratelimit"
	"github.com/beacon/chatlink/internal/transport"
)

func main() {
	providerURL := os.Getenv("PROVIDER_URL")
	if providerURL == "" {
		log.Fatalf("PROVIDER_URL is required")
	}

	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	metricsAddr := ":9100"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	claimedName, _ := os.Hostname()
	if v := os.Getenv("CLAIMED_NAME"); v != "" {
		claimedName = v
	}

	clientConfig := chatclient.DefaultConfig()
	clientConfig.BaseURL = providerURL
	if v := os.Getenv("RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			clientConfig.RetryInterval = d
		}
	}

	// --- Credentials (Redis) ---
	credStore, err := credentials.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	ctx := context.Background()
	deviceID, err := credStore.EnsureDeviceID(ctx)
	if err != nil {
		log.Fatalf("failed to resolve device id: %v", err)
	}
	clientConfig.DeviceID = deviceID

	creds, err := credStore.Load(ctx, deviceID)
	if errors.Is(err, credentials.ErrNotFound) {
		creds = pairDevice(ctx, credStore, providerURL, claimedName, deviceID)
	} else if err != nil {
		log.Fatalf("failed to load credentials: %v", err)
	}

	// --- History (PostgreSQL, optional) ---
	var histStore *history.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		histStore, err = history.NewStore(dsn)
		if err != nil {
			log.Fatalf("failed to open history store: %v", err)
		}
	} else {
		log.Printf("POSTGRES_DSN not set, message archive disabled")
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("chatlink daemon starting")
	log.Printf("  provider_url:   %s", providerURL)
	log.Printf("  device_id:      %s", deviceID)
	log.Printf("  redis_addr:     %s", redisAddr)
	log.Printf("  nats_url:       %s", natsConfig.URL)
	log.Printf("  metrics_addr:   %s", metricsAddr)
	log.Printf("  retry_interval: %s", clientConfig.RetryInterval)

	client := chatclient.New(nil, clientConfig)
	limiter := ratelimit.NewLimiter(credStore.Client(), deviceID)

	// Forward inbound chat messages to the archive and NATS.
	go func() {
		for msg := range client.Messages() {
			if histStore != nil {
				saveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				if err := histStore.SaveMessage(saveCtx, msg); err != nil {
					log.Printf("[archive] save %s: %v", msg.ID, err)
				}
				cancel()
			}
			data, _ := json.Marshal(msg)
			if err := natsClient.PublishInboundMessage(data); err != nil {
				log.Printf("[bridge] publish message: %v", err)
			}
		}
	}()

	// Forward typing indicators.
	go func() {
		for t := range client.Typing() {
			data, _ := json.Marshal(t)
			natsClient.PublishTyping(data)
		}
	}()

	// Forward per-message failures.
	go func() {
		for ev := range client.Events() {
			log.Printf("[chat] message error id=%s code=%s message=%q", ev.MessageID, ev.Code, ev.Message)
			data, _ := json.Marshal(ev)
			natsClient.PublishEvent(data)
		}
	}()

	// Publish state transitions and signal the reconnect loop on disconnect.
	disconnected := make(chan struct{}, 1)
	go func() {
		for st := range client.States() {
			ev := messaging.StateEvent{Status: st.Status.String()}
			if st.Err != nil {
				ev.Code = st.Err.Code
				ev.Message = st.Err.Message
			}
			data, _ := json.Marshal(ev)
			natsClient.PublishState(data)

			if st.Status == chatclient.StatusDisconnected {
				select {
				case disconnected <- struct{}{}:
				default:
				}
			}
		}
	}()

	// Relay send requests from local consumers to the provider.
	err = natsClient.SubscribeSendRequests(func(data []byte) {
		var req messaging.SendRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[bridge] bad send request: %v", err)
			return
		}
		id := req.ID
		if id == "" {
			id = protocol.NewClientID()
		}
		if ok, retryAfter := limiter.Allow(context.Background(), ratelimit.RuleSend); !ok {
			log.Printf("[bridge] send id=%s rate limited, retry in %s", id, retryAfter)
			return
		}
		if err := client.Send(id, req.Content, nil); err != nil {
			log.Printf("[bridge] send id=%s: %v", id, err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to send requests: %v", err)
	}

	err = natsClient.SubscribeTypingRequests(func(data []byte) {
		var req messaging.TypingRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		if ok, _ := limiter.Allow(context.Background(), ratelimit.RuleTyping); !ok {
			return
		}
		if err := client.SendTyping(req.Active); err != nil {
			log.Printf("[bridge] typing: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to typing requests: %v", err)
	}

	// Metrics endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		client.Disconnect()
		natsClient.Close()
		if histStore != nil {
			histStore.Close()
		}
		credStore.Close()
		os.Exit(0)
	}()

	runSessionLoop(ctx, client, credStore, histStore, creds, deviceID, disconnected)
}

// runSessionLoop keeps the provider session alive. Reconnection policy lives
// here, not in the session client: the client reports connection loss and the
// daemon decides when to dial again, with capped exponential backoff.
func runSessionLoop(
	ctx context.Context,
	client *chatclient.Client,
	credStore *credentials.Store,
	histStore *history.Store,
	creds *credentials.Credentials,
	deviceID string,
	disconnected <-chan struct{},
) {
	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 60 * time.Second
	)
	backoff := initialBackoff

	for {
		// A stale disconnect signal from the previous session must not end
		// the next one early.
		select {
		case <-disconnected:
		default:
		}

		lastID := ""
		if histStore != nil {
			idCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			id, err := histStore.LastServerMessageID(idCtx)
			cancel()
			if err != nil {
				log.Printf("[archive] last message id: %v", err)
			} else {
				lastID = id
			}
		}

		info, err := client.Connect(ctx, creds.Token, lastID)
		if err != nil {
			var sessErr *chatclient.SessionError
			if errors.As(err, &sessErr) &&
				(sessErr.Code == protocol.CodeAuthFailed || sessErr.Code == protocol.CodeTokenRevoked) {
				// The token is gone for good; keep the device id but drop
				// the credentials so the next start re-pairs.
				if clearErr := credStore.Clear(ctx, deviceID); clearErr != nil {
					log.Printf("failed to clear credentials: %v", clearErr)
				}
				log.Fatalf("credentials rejected (%s); run pairctl to pair again", sessErr.Code)
			}

			log.Printf("connect failed: %v (retrying in %s)", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		log.Printf("connected user=%s session=%s replay=%d truncated=%v",
			info.UserID, info.SessionID, info.ReplayCount, info.ReplayTruncated)

		if info.HistoryReset && histStore != nil {
			log.Printf("[archive] provider reset history, truncating local archive")
			trCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := histStore.Truncate(trCtx); err != nil {
				log.Printf("[archive] truncate: %v", err)
			}
			cancel()
		}

		<-disconnected
		log.Printf("session ended, reconnecting")
	}
}

// pairDevice runs the interactive pairing exchange and persists the result.
// Pairing blocks until an administrator approves the request on the provider
// side, up to the pending timeout.
func pairDevice(ctx context.Context, credStore *credentials.Store, providerURL, claimedName, deviceID string) *credentials.Credentials {
	wsURL, err := transport.ResolveWebSocketURL(providerURL)
	if err != nil {
		log.Fatalf("cannot derive pairing URL: %v", err)
	}

	log.Printf("no stored credentials, requesting pairing as %q (waiting for approval)", claimedName)

	// A crash loop before credentials land must not hammer the provider's
	// pairing endpoint.
	limiter := ratelimit.NewLimiter(credStore.Client(), deviceID)
	if ok, retryAfter := limiter.Allow(ctx, ratelimit.RulePairing); !ok {
		log.Fatalf("too many pairing attempts, retry in %s", retryAfter)
	}

	pairer := pairing.NewClient(nil, pairing.DefaultConfig())
	result, err := pairer.RequestPairing(ctx, wsURL, claimedName, deviceID)
	if err != nil {
		log.Fatalf("pairing failed: %v", err)
	}
	if !result.Approved {
		log.Fatalf("pairing denied: %s", result.Reason)
	}

	creds := credentials.Credentials{Token: result.Token, UserID: result.UserID}
	if err := credStore.Save(ctx, deviceID, creds); err != nil {
		log.Fatalf("failed to store credentials: %v", err)
	}

	log.Printf("paired user=%s", result.UserID)
	return &creds
}
