package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds the connection settings of the Redis/NATS store client.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string
	// KeyPrefix namespaces all Redis keys and NATS subjects, so several
	// deployments can share one backend.
	KeyPrefix string
}

// RedisNATS is the production Client: documents live in Redis as JSON values
// with a set per collection as index, and live-subscription notifications
// travel over one NATS subject per collection. Subscribers filter locally
// before invoking their handler, which keeps the backend contract down to
// plain pub/sub.
type RedisNATS struct {
	cfg Config
	log zerolog.Logger
	rdb *redis.Client
	nc  *nats.Conn

	mu     sync.Mutex
	closed bool
	subs   map[string]*nats.Subscription
}

// Open connects both backends and fails fast if either is unreachable.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*RedisNATS, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "casecall"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.KeyPrefix+"-store"))
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &RedisNATS{
		cfg:  cfg,
		log:  log.With().Str("component", "store").Logger(),
		rdb:  rdb,
		nc:   nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

func (c *RedisNATS) recordKey(collection, id string) string {
	return fmt.Sprintf("%s:%s:%s", c.cfg.KeyPrefix, collection, id)
}

func (c *RedisNATS) indexKey(collection string) string {
	return fmt.Sprintf("%s:%s", c.cfg.KeyPrefix, collection)
}

func (c *RedisNATS) subject(collection string) string {
	return fmt.Sprintf("%s.store.%s", c.cfg.KeyPrefix, collection)
}

func (c *RedisNATS) Create(ctx context.Context, collection string, doc any) error {
	raw, _, id, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.recordKey(collection, id), string(raw), 0)
	pipe.SAdd(ctx, c.indexKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	c.publish(Notification{Event: EventCreate, Collection: collection, Record: raw})
	return nil
}

func (c *RedisNATS) Query(ctx context.Context, f Filter, dest any) error {
	docs, _, err := c.scan(ctx, f)
	if err != nil {
		return err
	}
	docs = applyOrderLimit(docs, f)
	return remarshal(docs, dest)
}

func (c *RedisNATS) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	val, err := c.rdb.Get(ctx, c.recordKey(collection, id)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}
	doc, ok := decodeDoc(json.RawMessage(val))
	if !ok {
		return fmt.Errorf("corrupt record %s/%s", collection, id)
	}
	for k, v := range fields {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.recordKey(collection, id), string(merged), 0).Err(); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	c.publish(Notification{Event: EventUpdate, Collection: collection, Record: merged})
	return nil
}

func (c *RedisNATS) Delete(ctx context.Context, f Filter) (int, error) {
	docs, ids, err := c.scan(ctx, f)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := range docs {
		pipe := c.rdb.TxPipeline()
		pipe.Del(ctx, c.recordKey(f.Collection, ids[i]))
		pipe.SRem(ctx, c.indexKey(f.Collection), ids[i])
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("failed to delete record: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (c *RedisNATS) Live(ctx context.Context, f Filter, fn LiveHandler) (string, error) {
	if err := f.validate(); err != nil {
		return "", err
	}
	if fn == nil {
		return "", fmt.Errorf("%w: nil handler", ErrInvalidFilter)
	}

	sub, err := c.nc.Subscribe(c.subject(f.Collection), func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed store notification")
			return
		}
		doc, ok := decodeDoc(n.Record)
		if !ok || !f.Matches(doc) {
			return
		}
		fn(n)
	})
	if err != nil {
		return "", fmt.Errorf("failed to subscribe: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		sub.Unsubscribe()
		return "", ErrClientClosed
	}
	subID := uuid.New().String()
	c.subs[subID] = sub
	return subID, nil
}

func (c *RedisNATS) Kill(ctx context.Context, subID string) error {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (c *RedisNATS) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	c.nc.Drain()
	return c.rdb.Close()
}

// scan loads every record of the filter's collection and evaluates the
// filter client-side. Signal collections stay small because processed and
// expired records are swept continuously.
func (c *RedisNATS) scan(ctx context.Context, f Filter) ([]map[string]any, []string, error) {
	if err := f.validate(); err != nil {
		return nil, nil, err
	}
	ids, err := c.rdb.SMembers(ctx, c.indexKey(f.Collection)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list collection: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.recordKey(f.Collection, id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read records: %w", err)
	}

	var docs []map[string]any
	var matched []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Index entry without a record; drop the stale id.
			c.rdb.SRem(ctx, c.indexKey(f.Collection), ids[i])
			continue
		}
		doc, ok := decodeDoc(json.RawMessage(s))
		if !ok || !f.Matches(doc) {
			continue
		}
		docs = append(docs, doc)
		matched = append(matched, ids[i])
	}
	return docs, matched, nil
}

func (c *RedisNATS) publish(n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode store notification")
		return
	}
	if err := c.nc.Publish(c.subject(n.Collection), data); err != nil {
		c.log.Error().Err(err).Str("collection", n.Collection).Msg("failed to publish store notification")
	}
}
