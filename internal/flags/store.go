package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultNamespace = "muapi:flags"

var keyRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

// Store keeps feature flags in Redis: one JSON value per flag plus a set
// indexing all keys.
type Store struct {
	client    redis.Cmdable
	namespace string
}

// NewStore creates a flag store; an empty namespace uses the default prefix
func NewStore(client redis.Cmdable, namespace string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Store{client: client, namespace: namespace}, nil
}

func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, key string, value bool) (*Flag, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	flag := &Flag{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	b, err := json.Marshal(flag)
	if err != nil {
		return nil, fmt.Errorf("marshal flag: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.valueKey(key), b, 0)
	pipe.SAdd(ctx, s.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("upsert flag: %w", err)
	}
	return flag, nil
}

func (s *Store) Get(ctx context.Context, key string) (*Flag, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	val, err := s.client.Get(ctx, s.valueKey(key)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flag: %w", err)
	}

	var f Flag
	if err := json.Unmarshal([]byte(val), &f); err != nil {
		return nil, fmt.Errorf("unmarshal flag: %w", err)
	}
	return &f, nil
}

func (s *Store) List(ctx context.Context) ([]*Flag, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list flags index: %w", err)
	}
	sort.Strings(keys)

	out, err := s.load(ctx, keys)
	if err != nil {
		return nil, err
	}
	flags := make([]*Flag, 0, len(out))
	for _, k := range keys {
		if f, ok := out[k]; ok {
			flags = append(flags, f)
		}
	}
	return flags, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.valueKey(key))
	pipe.SRem(ctx, s.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	return nil
}

// Enabled returns the subset of names whose flag is set to true, in the
// order given. Unknown and invalid names count as disabled.
func (s *Store) Enabled(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	loaded, err := s.load(ctx, names)
	if err != nil {
		return nil, err
	}

	var out []string
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		if f, ok := loaded[n]; ok && f.Value {
			out = append(out, n)
		}
	}
	return out, nil
}

// load fetches the given keys with a single MGET
func (s *Store) load(ctx context.Context, keys []string) (map[string]*Flag, error) {
	valid := make([]string, 0, len(keys))
	redisKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		if ValidateKey(k) != nil {
			continue
		}
		valid = append(valid, k)
		redisKeys = append(redisKeys, s.valueKey(k))
	}
	out := make(map[string]*Flag, len(valid))
	if len(redisKeys) == 0 {
		return out, nil
	}

	vals, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget flags: %w", err)
	}

	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var f Flag
		if err := json.Unmarshal([]byte(str), &f); err != nil {
			continue
		}
		out[valid[i]] = &f
	}
	return out, nil
}

func (s *Store) indexKey() string {
	return s.namespace + ":index"
}

func (s *Store) valueKey(key string) string {
	return s.namespace + ":" + key
}
