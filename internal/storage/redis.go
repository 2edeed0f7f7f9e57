package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// RedisTLSConfig configures TLS for the redis-protocol backend.
type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig configures the redis-protocol backend (valkey-go is
// protocol-compatible with real Redis deployments).
type RedisConfig struct {
	Address                   string
	Username                  string
	Password                  string
	DB                        int
	TLS                       RedisTLSConfig
	CompressionThresholdBytes int
}

// RedisStore is the Store implementation backed by a Redis-protocol server
// via valkey-go. Surrogate indexing uses one Redis SET per surrogate key,
// holding the storage keys that reference it, so delete_by_surrogates (I3)
// is a SMEMBERS + DEL pair rather than a prefix scan.
type RedisStore struct {
	client           valkey.Client
	compressionBytes int
}

func redisStoreKey(key string) string { return "casper:k:" + key }
func redisSurrogateKey(s string) string { return "casper:s:" + s }

// NewRedisStore dials the configured backend and verifies connectivity
// with a PING before returning, matching the startup-handshake posture
// spec §6 documents for "storage handshake failure if configured strict".
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("storage: redis address required")
	}
	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("storage: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("storage: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("storage: redis client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}
	return &RedisStore{client: client, compressionBytes: cfg.CompressionThresholdBytes}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Response, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(redisStoreKey(key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: redis get: %v", ErrTransport, err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: redis get bytes: %v", ErrTransport, err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("%w: redis unmarshal: %v", ErrTransport, err)
	}
	body, err := decompressBody(entry.Response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: redis decompress: %v", ErrTransport, err)
	}
	out := entry.Response
	out.Body = body
	return &out, nil
}

func (r *RedisStore) Store(ctx context.Context, key string, surrogates []string, resp Response, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	stored := resp
	stored.Body = compressBody(resp.Body, r.compressionBytes)
	entry := Entry{
		Response:   stored,
		Surrogates: surrogates,
		StoredAt:   time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage: redis marshal: %w", err)
	}
	storeKey := redisStoreKey(key)
	if err := r.client.Do(ctx, r.client.B().Set().Key(storeKey).Value(string(payload)).Px(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("storage: redis set: %w", err)
	}
	for _, s := range surrogates {
		sKey := redisSurrogateKey(s)
		if err := r.client.Do(ctx, r.client.B().Sadd().Key(sKey).Member(storeKey).Build()).Error(); err != nil {
			return fmt.Errorf("storage: redis sadd: %w", err)
		}
		// The surrogate set's own expiry tracks the longest-lived member
		// loosely; stale members are harmless since DeleteBySurrogates only
		// counts keys Redis actually deletes.
		remaining, err := r.client.Do(ctx, r.client.B().Pttl().Key(sKey).Build()).AsInt64()
		if err != nil {
			return fmt.Errorf("storage: redis pttl: %w", err)
		}
		if remaining < ttl.Milliseconds() {
			if err := r.client.Do(ctx, r.client.B().Pexpire().Key(sKey).Milliseconds(ttl.Milliseconds()).Build()).Error(); err != nil {
				return fmt.Errorf("storage: redis pexpire: %w", err)
			}
		}
	}
	return nil
}

func (r *RedisStore) DeleteBySurrogates(ctx context.Context, surrogates []string) (int, error) {
	total := 0
	for _, s := range surrogates {
		sKey := redisSurrogateKey(s)
		members, err := r.client.Do(ctx, r.client.B().Smembers().Key(sKey).Build()).AsStrSlice()
		if err != nil {
			return total, fmt.Errorf("%w: redis smembers: %v", ErrTransport, err)
		}
		if len(members) == 0 {
			continue
		}
		count, err := r.client.Do(ctx, r.client.B().Del().Key(members...).Build()).ToInt64()
		if err != nil {
			return total, fmt.Errorf("%w: redis del: %v", ErrTransport, err)
		}
		total += int(count)
		if err := r.client.Do(ctx, r.client.B().Del().Key(sKey).Build()).Error(); err != nil {
			return total, fmt.Errorf("%w: redis del surrogate set: %v", ErrTransport, err)
		}
	}
	return total, nil
}

func (r *RedisStore) Size(ctx context.Context) (int64, error) {
	keys, err := r.client.Do(ctx, r.client.B().Keys().Pattern(redisStoreKey("*")).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("%w: redis keys: %v", ErrTransport, err)
	}
	return int64(len(keys)), nil
}

func (r *RedisStore) Close() error {
	r.client.Close()
	return nil
}
