package redis

import (
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	namesKey     = "chat:presence:names"
	typingFmt    = "chat:%d:typing:%s"
	instancesKey = "chat:instances"
)

type Options struct {
	Host     string
	Port     string
	Password string
	DB       int
	PoolSize int
	// Instance scopes the references this process holds. A random id is
	// used when empty.
	Instance string
}

type RedisClient struct {
	client   *redis.Client
	instance string
}

func NewRedisClient(opts Options) *RedisClient {
	if opts.Instance == "" {
		opts.Instance = uuid.NewString()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", opts.Host, opts.Port),
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	return &RedisClient{client: client, instance: opts.Instance}
}

func (r *RedisClient) Instance() string {
	return r.instance
}

func aliveKey(instance string) string {
	return "chat:instance:" + instance + ":alive"
}

// heldSetsKey lists the sets an instance holds references in.
func heldSetsKey(instance string) string {
	return "chat:instance:" + instance + ":sets"
}

func heldKey(set, instance string) string {
	return set + ":held:" + instance
}
