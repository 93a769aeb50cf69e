package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"webhookd/internal/metrics"
	"webhookd/internal/model"
)

const (
	DeliveryEventsChannel = "webhookd:delivery-events"
	relayBuffer           = 256
)

// RedisBroker relays delivery events through Redis Pub/Sub so a stream
// connected to any replica sees attempts made by every replica. Notify only
// queues; a single publisher goroutine talks to Redis, and events that do not
// fit in the queue are dropped.
type RedisBroker struct {
	rdb     *redis.Client
	channel string
	local   *Broker
	log     logrus.FieldLogger
	out     chan model.DeliveryEvent

	mu      sync.Mutex
	ps      *redis.PubSub
	done    chan struct{}
	quit    chan struct{}
	pubDone chan struct{}
}

func NewRedisBroker(rdb *redis.Client, channel string, log logrus.FieldLogger) *RedisBroker {
	if channel == "" {
		channel = DeliveryEventsChannel
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisBroker{rdb: rdb, channel: channel, local: NewBroker(), log: log, out: make(chan model.DeliveryEvent, relayBuffer)}
}

// Start subscribes to the relay channel; events received are fanned out locally.
func (b *RedisBroker) Start(ctx context.Context) error {
	ps := b.rdb.Subscribe(ctx, b.channel)
	// initial consume to ensure subscription
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	done, quit, pubDone := make(chan struct{}), make(chan struct{}), make(chan struct{})
	b.mu.Lock()
	b.ps, b.done, b.quit, b.pubDone = ps, done, quit, pubDone
	b.mu.Unlock()
	go b.publishLoop(quit, pubDone)
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var ev model.DeliveryEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.WithError(err).Warn("dropping malformed delivery event")
				continue
			}
			b.local.Notify(ev)
		}
	}()
	return nil
}

func (b *RedisBroker) Subscribe(companyID string) chan model.DeliveryEvent {
	return b.local.Subscribe(companyID)
}

func (b *RedisBroker) Unsubscribe(companyID string, ch chan model.DeliveryEvent) {
	b.local.Unsubscribe(companyID, ch)
}

// Notify never blocks the caller.
func (b *RedisBroker) Notify(ev model.DeliveryEvent) {
	select {
	case b.out <- ev:
	default:
		metrics.FeedEventsDropped.Inc()
	}
}

func (b *RedisBroker) publishLoop(quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case ev := <-b.out:
			b.publish(ev)
		}
	}
}

func (b *RedisBroker) publish(ev model.DeliveryEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		b.log.WithError(err).WithField("delivery_id", ev.DeliveryID).Warn("publish delivery event failed")
	}
}

// Close stops the relay loop. The Redis client is owned by the caller.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	ps, done, quit, pubDone := b.ps, b.done, b.quit, b.pubDone
	b.ps = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	close(quit)
	<-pubDone
	err := ps.Close()
	<-done
	return err
}
