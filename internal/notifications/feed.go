package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis pub/sub channels of the activity feed.
const (
	AdminChannel    = "notifications:admin"
	userChannelStem = "notifications:user:"
)

// UserChannel is the channel carrying the events about one user.
func UserChannel(userID uint) string {
	return userChannelStem + strconv.FormatUint(uint64(userID), 10)
}

// Feed publishes events to the Redis activity feed: every event on the
// staff channel and events about a user on that user's channel too.
type Feed struct {
	rdb *redis.Client
}

func NewFeed(rdb *redis.Client) *Feed {
	return &Feed{rdb: rdb}
}

// Publish implements Publisher. Without Redis it does nothing.
func (f *Feed) Publish(ctx context.Context, evt Event) error {
	if f.rdb == nil {
		return nil
	}
	payload, err := evt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = f.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, AdminChannel, payload)
		if evt.UserID != 0 {
			p.Publish(ctx, UserChannel(evt.UserID), payload)
		}
		return nil
	})
	return err
}

// Delivery is one event received from the feed. Raw holds the payload
// instead when it does not decode as an Event.
type Delivery struct {
	Channel string
	Event   Event
	Raw     string
}

// Watch subscribes to the staff channel and, unless adminOnly, every user
// channel. The subscription is live when Watch returns; the channel closes
// when ctx ends.
func (f *Feed) Watch(ctx context.Context, adminOnly bool) (<-chan Delivery, error) {
	if f.rdb == nil {
		return nil, fmt.Errorf("activity feed needs redis")
	}
	patterns := []string{AdminChannel}
	if !adminOnly {
		patterns = append(patterns, userChannelStem+"*")
	}
	sub := f.rdb.PSubscribe(ctx, patterns...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				d := Delivery{Channel: msg.Channel}
				if err := json.Unmarshal([]byte(msg.Payload), &d.Event); err != nil {
					d.Raw = msg.Payload
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
