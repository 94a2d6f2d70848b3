package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces session records.
const DefaultRedisKeyPrefix = "authgate:session:"

// RedisConfig holds connection settings for NewRedisClient.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, errors.New("session: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: connect to redis: %w", err)
	}
	return client, nil
}

// ref is the cookie payload of a RedisStore session. Sealing it keeps ids from
// being guessed or forged.
type ref struct {
	ID string `cbor:"1,keyasint"`
}

// RedisStore keeps session records in Redis, keyed by a session id carried in
// a sealed cookie. Records expire with the session.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	cookie *Cookie
	opts   options
}

// NewRedisStore returns a store backed by client. prefix may be empty, in
// which case DefaultRedisKeyPrefix is used.
func NewRedisStore(client redis.UniversalClient, cookie *Cookie, prefix string, opts ...Option) (*RedisStore, error) {
	if client == nil || cookie == nil {
		return nil, ErrCookieConfig
	}
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, prefix: prefix, cookie: cookie, opts: o}, nil
}

func (rs *RedisStore) key(id string) string {
	return rs.prefix + id
}

// readRef returns the session id named by the request cookie.
func (rs *RedisStore) readRef(r *http.Request) (string, error) {
	hc, err := r.Cookie(rs.cookie.Name())
	if err != nil {
		return "", err
	}
	var v ref
	if err := rs.cookie.Decode(hc, &v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if v.ID == "" {
		return "", fmt.Errorf("%w: empty id", ErrCorrupt)
	}
	return v.ID, nil
}

// Load implements Store. A Redis failure also yields an anonymous session, so
// protected routes fail closed while the store is unavailable.
func (rs *RedisStore) Load(r *http.Request) (*AuthSession, error) {
	id, err := rs.readRef(r)
	if errors.Is(err, http.ErrNoCookie) {
		return New(), nil
	}
	if err != nil {
		return discarded(), err
	}

	data, err := rs.client.Get(r.Context(), rs.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return discarded(), nil
	}
	if err != nil {
		return New(), fmt.Errorf("session: redis get: %w", err)
	}

	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return discarded(), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.ID != id {
		return discarded(), fmt.Errorf("%w: id mismatch", ErrCorrupt)
	}
	s, err := rs.opts.fromRecord(rec)
	if err != nil {
		return discarded(), err
	}
	if s == nil {
		return discarded(), nil
	}
	return s, nil
}

// Save implements Store. When the id rotated, the record under the old id is
// removed in the same pipeline that writes the new one.
func (rs *RedisStore) Save(w http.ResponseWriter, r *http.Request, s *AuthSession) error {
	if s == nil {
		return ErrNilSession
	}
	if !s.dirty {
		return nil
	}
	ctx := r.Context()

	if s.State() == Anonymous {
		return rs.drop(ctx, w, s)
	}
	rec, ttl := rs.opts.toRecord(s)
	if ttl <= 0 {
		return rs.drop(ctx, w, s)
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode record: %w", err)
	}
	hc, err := rs.cookie.Encode(ref{ID: s.id}, ttl)
	if err != nil {
		return fmt.Errorf("session: encode cookie: %w", err)
	}

	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if s.loadedID != "" && s.loadedID != s.id {
			pipe.Del(ctx, rs.key(s.loadedID))
		}
		pipe.Set(ctx, rs.key(s.id), data, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: redis write: %w", err)
	}
	http.SetCookie(w, hc)
	saved(s)
	return nil
}

// drop removes the record s was loaded from and clears the cookie.
func (rs *RedisStore) drop(ctx context.Context, w http.ResponseWriter, s *AuthSession) error {
	if s.loadedID != "" {
		if err := rs.client.Del(ctx, rs.key(s.loadedID)).Err(); err != nil {
			return fmt.Errorf("session: redis del: %w", err)
		}
	}
	http.SetCookie(w, rs.cookie.Clear())
	saved(s)
	return nil
}

// Destroy implements Store.
func (rs *RedisStore) Destroy(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, rs.cookie.Clear())
	id, err := rs.readRef(r)
	if err != nil {
		return nil
	}
	if err := rs.client.Del(r.Context(), rs.key(id)).Err(); err != nil {
		return fmt.Errorf("session: redis del: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
