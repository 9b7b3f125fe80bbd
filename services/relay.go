package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CrowderSoup/taskboard/logging"
)

// relayMessage is what travels over the Redis channel.
type relayMessage struct {
	Instance string   `json:"instance"`
	Event    envelope `json:"event"`
}

const (
	outboxSize     = 1024
	publishTimeout = 2 * time.Second
)

// RedisRelay fans events out to the hubs of every process sharing a Redis
// channel. Events are delivered to the local hub directly; remote copies of
// this process's own events are ignored.
type RedisRelay struct {
	hub      *Hub
	client   *redis.Client
	channel  string
	instance string
	outbox   chan []byte
	timeout  time.Duration
	ready    chan struct{}
	log      logging.Logger
}

// NewRedisRelay connects to redisURL.
func NewRedisRelay(redisURL, channel string, hub *Hub, log logging.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ContextTimeoutEnabled = true
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRelayWithClient(client, channel, hub, log), nil
}

func NewRedisRelayWithClient(client *redis.Client, channel string, hub *Hub, log logging.Logger) *RedisRelay {
	if log == nil {
		log = logging.Discard()
	}
	return &RedisRelay{
		hub:      hub,
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		outbox:   make(chan []byte, outboxSize),
		timeout:  publishTimeout,
		ready:    make(chan struct{}),
		log:      log.With("component", "relay"),
	}
}

// Publish delivers ev to the local hub and queues it for the other
// processes. It never waits on Redis; Run sends queued events in order.
func (r *RedisRelay) Publish(ctx context.Context, ev Event) {
	env, err := encodeEvent(ev)
	if err != nil {
		r.log.Error(ctx, "failed to encode event", "board_id", ev.BoardID, "error", err)
		return
	}
	r.hub.deliver(env)

	data, err := json.Marshal(relayMessage{Instance: r.instance, Event: env})
	if err != nil {
		r.log.Error(ctx, "failed to encode relay message", "error", err)
		return
	}
	select {
	case r.outbox <- data:
	default:
		r.log.Warn(ctx, "relay queue full, dropping event", "board_id", ev.BoardID)
	}
}

// forward drains the outbox until ctx ends.
func (r *RedisRelay) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-r.outbox:
			pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
			err := r.client.Publish(pubCtx, r.channel, data).Err()
			cancel()
			if err != nil {
				r.log.Warn(ctx, "failed to relay event", "error", err)
			}
		}
	}
}

// Ready is closed once the subscription to the channel is active.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Run sends this process's events to Redis and forwards events published
// by other processes to the local hub until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		r.forward(ctx)
	}()
	defer func() {
		cancel()
		<-forwarded
	}()

	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	close(r.ready)
	r.log.Info(ctx, "relay subscribed", "channel", r.channel, "instance", r.instance)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var in relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &in); err != nil {
				r.log.Warn(ctx, "dropping malformed relay message", "error", err)
				continue
			}
			if in.Instance == r.instance {
				continue
			}
			r.hub.deliver(in.Event)
		}
	}
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
