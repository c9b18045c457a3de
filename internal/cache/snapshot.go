// Package cache keeps recently replayed idempotent responses in Redis so a
// retried request can be answered without touching Postgres. The ledger
// re-checks the request hash on every hit; the cache is never authoritative.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "idem:v1"

type SnapshotCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.Logger
}

type entry struct {
	Hash     string          `json:"hash"`
	Snapshot json.RawMessage `json:"snapshot"`
}

func New(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *SnapshotCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &SnapshotCache{client: client, ttl: ttl, log: log}
}

// NewClient connects to a single Redis node and pings it.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func key(walletID, requestID string) string {
	return keyPrefix + ":" + walletID + ":" + requestID
}

// Get reports a miss on any error; a broken cache only costs a database read.
func (c *SnapshotCache) Get(ctx context.Context, walletID, requestID string) (string, []byte, bool) {
	raw, err := c.client.Get(ctx, key(walletID, requestID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Debug("replay cache get", zap.String("request_id", requestID), zap.Error(err))
		}
		return "", nil, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil || e.Hash == "" {
		c.log.Debug("replay cache entry unreadable", zap.String("request_id", requestID), zap.Error(err))
		return "", nil, false
	}
	return e.Hash, []byte(e.Snapshot), true
}

func (c *SnapshotCache) Set(ctx context.Context, walletID, requestID, hash string, snapshot []byte) {
	raw, err := encode(hash, snapshot)
	if err != nil {
		c.log.Debug("replay cache encode", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key(walletID, requestID), raw, c.ttl).Err(); err != nil {
		c.log.Debug("replay cache set", zap.String("request_id", requestID), zap.Error(err))
	}
}

func encode(hash string, snapshot []byte) ([]byte, error) {
	if !json.Valid(snapshot) {
		return nil, errors.New("snapshot is not JSON")
	}
	return json.Marshal(entry{Hash: hash, Snapshot: snapshot})
}
