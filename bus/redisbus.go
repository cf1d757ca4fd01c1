package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	listenBackoffInitial = 100 * time.Millisecond
	listenBackoffMax     = 5 * time.Second
)

// RedisClient is the subset of the go-redis client the bus depends on.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	IncrByFloat(ctx context.Context, key string, value float64) *redis.FloatCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Redis is the pub/sub bus. Publishes go to "{prefix}:invalidate"; when a
// node ID is configured the listener additionally subscribes to the
// node-targeted "{prefix}:node:{id}:invalidate" channel carrying the same
// payload format.
type Redis struct {
	client RedisClient
	prefix string
	nodeID string
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Bus = (*Redis)(nil)

// OpenRedis connects to the given redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, url, prefix, nodeID string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("open redis bus: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open redis bus: %w", err)
	}
	return NewRedis(client, prefix, nodeID, log), nil
}

// NewRedis wraps an existing client. The logger may be nil.
func NewRedis(client RedisClient, prefix, nodeID string, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		client: client,
		prefix: prefix,
		nodeID: nodeID,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Redis) channel() string { return r.prefix + ":invalidate" }

func (r *Redis) nodeChannel() string {
	return r.prefix + ":node:" + r.nodeID + ":invalidate"
}

// Publish sends "TAG|VERSION" to the invalidation channel. Versions travel
// with the tag so a peer that missed messages during a disconnect converges
// as soon as any later message arrives. Errors are swallowed: the merge on
// the receiving side is monotonic and self-repairing.
func (r *Redis) Publish(ctx context.Context, tag string, version uint64) {
	payload := fmt.Sprintf("%s|%d", tag, version)
	if err := r.client.Publish(ctx, r.channel(), payload).Err(); err != nil {
		r.log.Debug("bus publish failed", zap.String("tag", tag), zap.Error(err))
	}
}

// PushHeartbeat stores "{prefix}:node:{id}" with a TTL as a liveness marker.
func (r *Redis) PushHeartbeat(ctx context.Context, nodeID, payload string, ttlSecs uint64) error {
	key := r.prefix + ":node:" + nodeID
	err := r.client.Set(ctx, key, payload, time.Duration(ttlSecs)*time.Second).Err()
	if err != nil {
		return fmt.Errorf("push heartbeat: %w", err)
	}
	return nil
}

// FlushMetrics accumulates counters under "{prefix}:metrics:{name}".
func (r *Redis) FlushMetrics(ctx context.Context, metrics map[string]float64) error {
	for name, v := range metrics {
		if err := r.client.IncrByFloat(ctx, r.prefix+":metrics:"+name, v).Err(); err != nil {
			return fmt.Errorf("flush metrics: %w", err)
		}
	}
	return nil
}

// StartListener spawns the background subscriber. Each decoded event is
// handed to the callback; malformed payloads are dropped. Connection
// failures retry forever with exponential backoff from 100ms to 5s. The
// backoff resets on the first delivered message, not on connect, so a
// subscription that dies right after connecting keeps backing off instead
// of hot-looping.
func (r *Redis) StartListener(callback Handler) {
	channels := []string{r.channel()}
	if r.nodeID != "" {
		channels = append(channels, r.nodeChannel())
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = listenBackoffInitial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = listenBackoffMax
	bo.MaxElapsedTime = 0

	go func() {
		for r.ctx.Err() == nil {
			pubsub := r.client.Subscribe(r.ctx, channels...)
			for {
				msg, err := pubsub.ReceiveMessage(r.ctx)
				if err != nil {
					break
				}
				bo.Reset()

				tag, version, ok := parsePayload(msg.Payload)
				if !ok {
					r.log.Debug("dropping malformed bus payload", zap.String("payload", msg.Payload))
					continue
				}
				callback(tag, version)
			}
			_ = pubsub.Close()

			if r.ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			r.log.Warn("bus connection lost, reconnecting", zap.Duration("backoff", wait))
			select {
			case <-time.After(wait):
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

// Close stops the listener and closes the client.
func (r *Redis) Close() error {
	r.cancel()
	return r.client.Close()
}
