package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ideas6k/ideas/ideas"
)

// snapshot cache over redis. the whole feed is stored as one json value
// so a warm start is a single read.

const defaultFeedKey = "ideas:feed"

type CacheSettings struct {
	FeedKey     string
	FeedTtl     time.Duration
	DialTimeout time.Duration
	PingTimeout time.Duration
}

func DefaultCacheSettings() *CacheSettings {
	return &CacheSettings{
		FeedKey:     defaultFeedKey,
		FeedTtl:     24 * time.Hour,
		DialTimeout: 5 * time.Second,
		PingTimeout: 5 * time.Second,
	}
}

type Cache struct {
	client   *redis.Client
	settings *CacheSettings
}

func Connect(ctx context.Context, redisUrl string, settings *CacheSettings) (*Cache, error) {
	opt, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	opt.DialTimeout = settings.DialTimeout

	client := redis.NewClient(opt)

	pingCtx, pingCancel := context.WithTimeout(ctx, settings.PingTimeout)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &Cache{
		client:   client,
		settings: settings,
	}, nil
}

func ConnectWithDefaults(ctx context.Context, redisUrl string) (*Cache, error) {
	return Connect(ctx, redisUrl, DefaultCacheSettings())
}

func NewCacheWithClient(client *redis.Client, settings *CacheSettings) *Cache {
	return &Cache{
		client:   client,
		settings: settings,
	}
}

func (self *Cache) Close() error {
	return self.client.Close()
}

// nil with no error when the feed has never been cached or has expired
func (self *Cache) LoadFeed(ctx context.Context) ([]*ideas.Prompt, error) {
	value, err := self.client.Get(ctx, self.settings.FeedKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var prompts []*ideas.Prompt
	if err := json.Unmarshal([]byte(value), &prompts); err != nil {
		return nil, err
	}
	return prompts, nil
}

func (self *Cache) StoreFeed(ctx context.Context, prompts []*ideas.Prompt) error {
	value, err := json.Marshal(prompts)
	if err != nil {
		return err
	}
	return self.client.Set(ctx, self.settings.FeedKey, value, self.settings.FeedTtl).Err()
}
