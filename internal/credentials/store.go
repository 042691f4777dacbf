// Package credentials provides Redis-backed persistence for the pairing
// credentials (token, user id) and the device identity. Records are stored
// as hashes:
//
//	Key: credentials:<device_id>
//	Key: device:id (the locally generated device uuid)
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// CredentialsPrefix is the Redis key prefix for credential hashes.
	CredentialsPrefix = "credentials:"

	// DeviceIDKey stores the locally generated device uuid.
	DeviceIDKey = "device:id"
)

// ErrNotFound is returned by Load when no credentials are stored for the
// device.
var ErrNotFound = errors.New("credentials: not found")

// Credentials are the provider-issued identity obtained through pairing.
type Credentials struct {
	Token    string `redis:"token"`
	UserID   string `redis:"user_id"`
	PairedAt int64  `redis:"paired_at"` // unix timestamp
}

// Store manages credentials in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a credential store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("credentials: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// newStoreWithClient wraps an existing Redis client.
func newStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// EnsureDeviceID returns the persisted device id, generating and storing a
// fresh uuid on first run. The device id survives re-pairing: the provider
// uses it for session takeover, so it must stay stable per installation.
func (s *Store) EnsureDeviceID(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, DeviceIDKey).Result()
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("credentials: read device id: %w", err)
	}

	id = uuid.NewString()
	// SETNX so concurrent first runs agree on one id.
	ok, err := s.client.SetNX(ctx, DeviceIDKey, id, 0).Result()
	if err != nil {
		return "", fmt.Errorf("credentials: store device id: %w", err)
	}
	if !ok {
		return s.client.Get(ctx, DeviceIDKey).Result()
	}
	return id, nil
}

// Save stores credentials for the given device id.
func (s *Store) Save(ctx context.Context, deviceID string, creds Credentials) error {
	if creds.PairedAt == 0 {
		creds.PairedAt = time.Now().Unix()
	}
	key := CredentialsPrefix + deviceID
	fields := map[string]interface{}{
		"token":     creds.Token,
		"user_id":   creds.UserID,
		"paired_at": creds.PairedAt,
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("credentials: save: %w", err)
	}
	return nil
}

// Load returns the stored credentials for the device, or ErrNotFound when the
// device has never paired (or the token was cleared).
func (s *Store) Load(ctx context.Context, deviceID string) (*Credentials, error) {
	key := CredentialsPrefix + deviceID

	var creds Credentials
	if err := s.client.HGetAll(ctx, key).Scan(&creds); err != nil {
		return nil, fmt.Errorf("credentials: load: %w", err)
	}
	if creds.Token == "" {
		return nil, ErrNotFound
	}
	return &creds, nil
}

// Clear removes the stored credentials, e.g. after a token_revoked error.
func (s *Store) Clear(ctx context.Context, deviceID string) error {
	key := CredentialsPrefix + deviceID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("credentials: clear: %w", err)
	}
	return nil
}

// Client exposes the underlying Redis client for sharing with other stores.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
