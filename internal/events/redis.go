package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultStream is the Redis stream carrying domain events between processes.
	DefaultStream = "hr:domain-events"
	// DefaultGroup is the consumer group shared by every webhookd replica.
	DefaultGroup = "webhookd"

	envelopeField = "event"
)

// Redis is a Bus over a Redis stream read through a consumer group. Every
// published event is handed to exactly one replica of the group, which fans
// it out to its local handler registry and acknowledges it. Entries left
// unacknowledged by a crashed replica are reclaimed after claimIdle.
type Redis struct {
	rdb       *redis.Client
	stream    string
	group     string
	consumer  string
	maxLen    int64
	block     time.Duration
	claimIdle time.Duration
	batch     int64
	local     *Local
	log       logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type RedisOption func(*Redis)

// WithGroup sets the consumer group and this process's consumer name within it.
func WithGroup(group, consumer string) RedisOption {
	return func(r *Redis) {
		if group != "" {
			r.group = group
		}
		if consumer != "" {
			r.consumer = consumer
		}
	}
}

// WithMaxLen caps the stream length (approximately); 0 keeps every entry.
func WithMaxLen(n int64) RedisOption { return func(r *Redis) { r.maxLen = n } }

// WithBlock sets how long one read waits for new entries. Close waits at most this long.
func WithBlock(d time.Duration) RedisOption { return func(r *Redis) { r.block = d } }

// WithClaimIdle sets how long an entry may stay unacknowledged before another consumer takes it over.
func WithClaimIdle(d time.Duration) RedisOption { return func(r *Redis) { r.claimIdle = d } }

func NewRedis(rdb *redis.Client, stream string, log logrus.FieldLogger, opts ...RedisOption) *Redis {
	if stream == "" {
		stream = DefaultStream
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Redis{
		rdb:       rdb,
		stream:    stream,
		group:     DefaultGroup,
		consumer:  defaultConsumer(),
		maxLen:    100000,
		block:     time.Second,
		claimIdle: time.Minute,
		batch:     64,
		local:     NewLocal(log),
		log:       log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRedisFromURL parses a redis:// URL the way the rest of the service does.
func NewRedisFromURL(url, stream string, log logrus.FieldLogger, opts ...RedisOption) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opt), stream, log, opts...), nil
}

func defaultConsumer() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "webhookd"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (r *Redis) Client() *redis.Client { return r.rdb }

func (r *Redis) Subscribe(name string, h Handler) func() { return r.local.Subscribe(name, h) }

func (r *Redis) SubscribeAll(h Handler) func() { return r.local.SubscribeAll(h) }

func (r *Redis) Publish(ctx context.Context, name string, payload map[string]any) error {
	data, err := json.Marshal(Event{Name: name, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode event %s: %w", name, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	args := &redis.XAddArgs{Stream: r.stream, Values: map[string]any{envelopeField: string(data)}}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	return r.rdb.XAdd(ctx, args).Err()
}

// Start ensures the consumer group exists and begins consuming. Entries added
// before the group was first created are not replayed.
func (r *Redis) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", r.group, r.stream, err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(lctx, r.done)
	r.log.WithFields(logrus.Fields{"stream": r.stream, "group": r.group, "consumer": r.consumer}).Info("consuming domain events")
	return nil
}

func (r *Redis) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	var lastClaim time.Time
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= r.claimIdle {
			r.reclaim(ctx)
			lastClaim = time.Now()
		}
		res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"},
			Count:    r.batch,
			Block:    r.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warn("read domain events")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				r.handle(ctx, msg)
			}
		}
	}
}

// reclaim takes over entries another consumer read but never acknowledged.
func (r *Redis) reclaim(ctx context.Context) {
	msgs, _, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  r.claimIdle,
		Start:    "0-0",
		Count:    r.batch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			r.log.WithError(err).Debug("reclaim pending domain events")
		}
		return
	}
	for _, msg := range msgs {
		r.handle(ctx, msg)
	}
}

func (r *Redis) handle(ctx context.Context, msg redis.XMessage) {
	raw, _ := msg.Values[envelopeField].(string)
	var ev Event
	switch err := json.Unmarshal([]byte(raw), &ev); {
	case err != nil:
		r.log.WithError(err).WithField("entry_id", msg.ID).Warn("dropping undecodable event")
	case ev.Name == "":
		r.log.WithField("entry_id", msg.ID).Warn("dropping event without name")
	default:
		r.local.dispatch(context.Background(), ev)
	}
	// Acknowledge even while stopping: the handlers have already run.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.rdb.XAck(actx, r.stream, r.group, msg.ID).Err(); err != nil {
		r.log.WithError(err).WithField("entry_id", msg.ID).Warn("ack domain event")
	}
}

// Close stops consuming and waits for the read loop to exit. The Redis client
// is owned by the caller.
func (r *Redis) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
