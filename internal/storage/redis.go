package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"agentcron/internal/task/job"
	logx "agentcron/pkg/logx"
)

type redisStore struct {
	client *redis.Client
	key    string
	log    logx.Logger
	now    func() time.Time
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	if strings.TrimSpace(rc.Addr) == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", rc.Addr, err)
	}
	return newRedis(client, rc.Key, log), nil
}

func newRedis(client *redis.Client, key string, log logx.Logger) *redisStore {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultRedisKey
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, key: key, log: log, now: time.Now}
}

func (s *redisStore) Load(ctx context.Context) (*job.Store, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.log.Info("no store key; starting empty", logx.String("key", s.key))
		return job.NewStore(), nil
	}
	if err != nil {
		return nil, err
	}
	st, err := decodeStore(b)
	if err == nil {
		return st, nil
	}

	aside := fmt.Sprintf("%s:corrupt:%d", s.key, s.now().Unix())
	if rerr := s.client.Rename(ctx, s.key, aside).Err(); rerr != nil {
		s.log.Warn("unreadable store could not be moved aside", logx.String("key", s.key), logx.Err(rerr))
	}
	s.log.Warn("unreadable store; starting empty", logx.String("key", s.key), logx.String("aside", aside), logx.Err(err))
	return job.NewStore(), nil
}

func (s *redisStore) Save(ctx context.Context, st *job.Store) error {
	b, err := encodeStore(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, b, 0).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
