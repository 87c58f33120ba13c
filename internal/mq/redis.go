package mq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBus carries change events over Redis pub/sub, one channel per collection.
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus connects to the Redis server at url (redis://host:port/db).
func NewRedisBus(url, prefix string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return &RedisBus{client: redis.NewClient(opts), prefix: prefix}, nil
}

// ChannelName returns the pub/sub channel for collection.
func (b *RedisBus) ChannelName(collection string) string {
	return b.prefix + RoutingKey(collection)
}

// Publish announces a change to collection.
func (b *RedisBus) Publish(ctx context.Context, collection string) error {
	body, err := json.Marshal(ChangeEvent{Collection: collection, OccurredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.ChannelName(collection), body).Err()
}

// Listen subscribes to collection's channel and calls notify per message.
func (b *RedisBus) Listen(ctx context.Context, collection string, notify func()) (<-chan error, error) {
	sub := b.client.Subscribe(ctx, b.ChannelName(collection))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, errors.Wrap(err, "subscribe")
	}
	msgs := sub.Channel()

	errs := make(chan error, 1)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					if ctx.Err() == nil {
						errs <- errors.New("redis subscription closed")
					}
					return
				}
				notify()
			}
		}
	}()
	return errs, nil
}

// Ping checks the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
