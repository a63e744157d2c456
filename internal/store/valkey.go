package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

type valkeyStore struct {
	client valkey.Client
}

// NewValkey connects to the configured valkey/redis node and verifies it with
// a ping before handing the store to callers.
func NewValkey(cfg ValkeyConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: valkey address required")
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
				return nil, fmt.Errorf("store: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: valkey ping: %w", err)
	}

	return &valkeyStore{client: client}, nil
}

func (s *valkeyStore) Get(ctx context.Context, key string) (string, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: valkey get: %w", err)
	}
	value, err := resp.ToString()
	if err != nil {
		return "", fmt.Errorf("store: valkey get value: %w", err)
	}
	return value, nil
}

func (s *valkeyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(key).Value(value).Px(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(key).Value(value).Build()
	}
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: valkey set: %w", err)
	}
	return nil
}

func (s *valkeyStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	resp := s.client.Do(ctx, s.client.B().Incr().Key(key).Build())
	count, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("store: valkey incr: %w", err)
	}
	if ttl > 0 {
		expire := s.client.B().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build()
		if err := s.client.Do(ctx, expire).Error(); err != nil {
			return count, fmt.Errorf("store: valkey expire: %w", err)
		}
	}
	return count, nil
}

// casScript compares and swaps in one server-side step so concurrent writers
// across gateway instances cannot overwrite each other. An empty expected
// value means the key must be absent.
const casScript = `local current = redis.call('GET', KEYS[1])
if current == false then
  if ARGV[1] ~= '' then return 0 end
elseif current ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1`

func (s *valkeyStore) CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	cmd := s.client.B().Eval().Script(casScript).Numkeys(1).Key(key).
		Arg(expected, value, strconv.FormatInt(ttl.Milliseconds(), 10)).Build()
	swapped, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, fmt.Errorf("store: valkey cas: %w", err)
	}
	return swapped == 1, nil
}

func (s *valkeyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("store: valkey del: %w", err)
	}
	return nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
