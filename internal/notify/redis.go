// Package notify delivers the fire-and-forget side channels: thread
// change notifications for dashboard pollers and avatar pushes for the
// visitor window. Both ride on Redis pub/sub; a failed publish is logged
// and dropped, never surfaced to the write that triggered it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"messenger/api/internal/chat"
)

const (
	// ThreadChangedChannel carries one ThreadChangedEvent per real write.
	ThreadChangedChannel = "messenger.thread.changed"
	// AvatarChannelPrefix + thread id carries AvatarEvents for one window.
	AvatarChannelPrefix = "messenger.avatar."
)

// ThreadChangedEvent mirrors what the change-notification collaborator
// receives: which thread moved and which columns were written.
type ThreadChangedEvent struct {
	ThreadID      int64    `json:"threadId"`
	State         int      `json:"state"`
	LastRevision  int64    `json:"lastRevision"`
	ChangedFields []string `json:"changedFields"`
}

// AvatarEvent tells the visitor window to swap the operator avatar.
type AvatarEvent struct {
	ThreadID  int64  `json:"threadId"`
	Token     int64  `json:"token"`
	ImageLink string `json:"imageLink"`
}

// RedisPublisher implements chat.ChangeNotifier and chat.AvatarPusher.
type RedisPublisher struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisPublisher(redisURL string, log zerolog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisPublisher{client: client, log: log}, nil
}

// NewRedisPublisherWithClient wraps an existing client. Tests use this
// with miniredis.
func NewRedisPublisherWithClient(client *redis.Client, log zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

// ThreadChanged publishes the changed-field set for a thread write.
func (p *RedisPublisher) ThreadChanged(ctx context.Context, thread *chat.Thread, changed []string) {
	event := ThreadChangedEvent{
		ThreadID:      thread.ID(),
		State:         int(thread.State()),
		LastRevision:  thread.LastRevision(),
		ChangedFields: changed,
	}
	p.publish(ctx, ThreadChangedChannel, event)
}

// PushAvatar publishes an avatar update on the thread's window channel.
func (p *RedisPublisher) PushAvatar(ctx context.Context, threadID, token int64, imageURL string) {
	event := AvatarEvent{
		ThreadID:  threadID,
		Token:     token,
		ImageLink: imageURL,
	}
	p.publish(ctx, fmt.Sprintf("%s%d", AvatarChannelPrefix, threadID), event)
}

func (p *RedisPublisher) publish(ctx context.Context, channel string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("channel", channel).Msg("encode notify event")
		return
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		p.log.Warn().Err(err).Str("channel", channel).Msg("publish notify event")
	}
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Ping checks if Redis is reachable
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
