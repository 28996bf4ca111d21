package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyConfig holds connection settings for the Valkey backend.
type ValkeyConfig struct {
	// Address is the host:port of the Valkey server.
	Address string

	// Password is the AUTH password, empty for no authentication.
	Password string

	// DB is the logical database to SELECT.
	DB int

	// TLSEnabled turns on TLS for the connection.
	TLSEnabled bool

	// TLSCAFile is an optional path to a PEM CA bundle for server
	// certificate verification.
	TLSCAFile string

	// KeyPrefix is prepended to every key, allowing multiple gateway
	// deployments to share one Valkey instance (e.g. "gmail-").
	KeyPrefix string
}

// ValkeyStore implements Store on a Valkey/Redis-compatible server.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// incrWindowScript increments a windowed counter and arms its expiry in a
// single server-side step. ARGV[1] is the window in milliseconds, ARGV[2]
// is "1" to re-arm the window on every hit. Returns {hits, remaining_ms}.
var incrWindowScript = valkey.NewLuaScript(`
local hits = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if hits == 1 or ttl < 0 or ARGV[2] == '1' then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {hits, ttl}
`)

// decrWindowScript decrements a windowed counter without touching its
// expiry, floored at zero. A missing counter stays missing. Returns the
// new hit count.
var decrWindowScript = valkey.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local hits = redis.call('DECR', KEYS[1])
if hits < 0 then
  redis.call('SET', KEYS[1], '0', 'KEEPTTL')
  hits = 0
end
return hits
`)

// NewValkeyStore connects to Valkey and verifies the connection.
func NewValkeyStore(ctx context.Context, cfg ValkeyConfig) (*ValkeyStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	option := valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	}

	if cfg.TLSEnabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLSCAFile != "" {
			pem, err := os.ReadFile(cfg.TLSCAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read TLS CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in TLS CA file %s", cfg.TLSCAFile)
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	s := &ValkeyStore{client: client, prefix: cfg.KeyPrefix}
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping valkey: %w", err)
	}
	return s, nil
}

func (s *ValkeyStore) key(k string) string {
	return s.prefix + k
}

// Get implements Store.
func (s *ValkeyStore) Get(ctx context.Context, key string) (string, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build())
	val, err := resp.ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("valkey get: %w", err)
	}
	return val, nil
}

// Set implements Store.
func (s *ValkeyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(s.key(key)).Value(value).Px(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(s.key(key)).Value(value).Build()
	}
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey set: %w", err)
	}
	return nil
}

// SetNX implements Store.
func (s *ValkeyStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(s.key(key)).Value(value).Nx().Px(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(s.key(key)).Value(value).Nx().Build()
	}
	err := s.client.Do(ctx, cmd).Error()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			// NX condition not met: the key already exists.
			return false, nil
		}
		return false, fmt.Errorf("valkey setnx: %w", err)
	}
	return true, nil
}

// GetDel implements Store.
func (s *ValkeyStore) GetDel(ctx context.Context, key string) (string, error) {
	resp := s.client.Do(ctx, s.client.B().Getdel().Key(s.key(key)).Build())
	val, err := resp.ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("valkey getdel: %w", err)
	}
	return val, nil
}

// Delete implements Store.
func (s *ValkeyStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey del: %w", err)
	}
	return n > 0, nil
}

// TTL implements Store.
func (s *ValkeyStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ms, err := s.client.Do(ctx, s.client.B().Pttl().Key(s.key(key)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("valkey pttl: %w", err)
	}
	switch {
	case ms == -2:
		return 0, ErrNotFound
	case ms == -1:
		return 0, nil
	default:
		return time.Duration(ms) * time.Millisecond, nil
	}
}

// Scan implements Store. Keys are reported without the configured prefix.
func (s *ValkeyStore) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	cursor := uint64(0)
	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(s.key(pattern)).Count(ScanBatchSize).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return fmt.Errorf("valkey scan: %w", err)
		}
		for _, k := range entry.Elements {
			if err := fn(strings.TrimPrefix(k, s.prefix)); err != nil {
				return err
			}
		}
		if entry.Cursor == 0 {
			return nil
		}
		cursor = entry.Cursor
	}
}

// IncrWindow implements Store via a single Lua invocation.
func (s *ValkeyStore) IncrWindow(ctx context.Context, key string, window time.Duration, resetWindow bool) (int64, time.Duration, error) {
	reset := "0"
	if resetWindow {
		reset = "1"
	}
	resp := incrWindowScript.Exec(ctx, s.client,
		[]string{s.key(key)},
		[]string{fmt.Sprintf("%d", window.Milliseconds()), reset},
	)
	vals, err := resp.AsIntSlice()
	if err != nil {
		return 0, 0, fmt.Errorf("valkey incr window: %w", err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("valkey incr window: unexpected reply length %d", len(vals))
	}
	return vals[0], time.Duration(vals[1]) * time.Millisecond, nil
}

// DecrWindow implements Store via a single Lua invocation.
func (s *ValkeyStore) DecrWindow(ctx context.Context, key string) (int64, error) {
	resp := decrWindowScript.Exec(ctx, s.client, []string{s.key(key)}, nil)
	hits, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("valkey decr window: %w", err)
	}
	return hits, nil
}

// Update implements Store with WATCH/MULTI/EXEC. A nil EXEC reply means the
// watched key changed between read and commit.
func (s *ValkeyStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	pk := s.key(key)
	return s.client.Dedicated(func(c valkey.DedicatedClient) error {
		if err := c.Do(ctx, c.B().Watch().Key(pk).Build()).Error(); err != nil {
			return fmt.Errorf("valkey watch: %w", err)
		}

		current, err := c.Do(ctx, c.B().Get().Key(pk).Build()).ToString()
		if err != nil {
			_ = c.Do(ctx, c.B().Unwatch().Build()).Error()
			if valkey.IsValkeyNil(err) {
				return ErrNotFound
			}
			return fmt.Errorf("valkey get: %w", err)
		}

		next, ttl, err := fn(current)
		if err != nil {
			_ = c.Do(ctx, c.B().Unwatch().Build()).Error()
			return err
		}

		var set valkey.Completed
		if ttl > 0 {
			set = c.B().Set().Key(pk).Value(next).Px(ttl).Build()
		} else {
			set = c.B().Set().Key(pk).Value(next).Build()
		}

		results := c.DoMulti(ctx,
			c.B().Multi().Build(),
			set,
			c.B().Exec().Build(),
		)
		execErr := results[len(results)-1].Error()
		if execErr != nil {
			if valkey.IsValkeyNil(execErr) {
				return ErrTxnConflict
			}
			return fmt.Errorf("valkey exec: %w", execErr)
		}
		return nil
	})
}

// Ping implements Store.
func (s *ValkeyStore) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("valkey ping: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *ValkeyStore) Close() {
	s.client.Close()
}
