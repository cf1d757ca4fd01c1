package bus

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParsePayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		payload string
		tag     string
		version uint64
		ok      bool
	}{
		{"user:9|1", "user:9", 1, true},
		{"org:42:user:7|18446744073709551615", "org:42:user:7", 18446744073709551615, true},
		// Split happens at the last separator.
		{"weird|tag|7", "weird|tag", 7, true},
		{"", "", 0, false},
		{"noversion", "", 0, false},
		{"tag|", "", 0, false},
		{"|7", "", 0, false},
		{"tag|notanumber", "", 0, false},
		{"tag|-3", "", 0, false},
	}
	for _, tt := range tests {
		tag, version, ok := parsePayload(tt.payload)
		assert.Equal(t, tt.ok, ok, "payload %q", tt.payload)
		if tt.ok {
			assert.Equal(t, tt.tag, tag, "payload %q", tt.payload)
			assert.Equal(t, tt.version, version, "payload %q", tt.payload)
		}
	}
}

func Test_Local_Bus_Is_Noop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewLocal()
	b.Publish(ctx, "user:1", 1)
	require.NoError(t, b.PushHeartbeat(ctx, "node-1", "{}", 30))
	require.NoError(t, b.FlushMetrics(ctx, map[string]float64{"published": 1}))
	require.NoError(t, b.Close())
}

type fakeBusClient struct {
	published  []string
	channels   []string
	sets       []string
	publishErr error
}

func (f *fakeBusClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channels = append(f.channels, channel)
	f.published = append(f.published, message.(string))
	return redis.NewIntResult(1, f.publishErr)
}

func (f *fakeBusClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return nil
}

func (f *fakeBusClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.sets = append(f.sets, key)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeBusClient) IncrByFloat(ctx context.Context, key string, value float64) *redis.FloatCmd {
	return redis.NewFloatResult(value, nil)
}

func (f *fakeBusClient) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeBusClient) Close() error { return nil }

func Test_Redis_Publish_Formats_Payload(t *testing.T) {
	t.Parallel()

	fake := &fakeBusClient{}
	b := NewRedis(fake, "zoocache", "", nil)
	t.Cleanup(func() { _ = b.Close() })

	b.Publish(context.Background(), "org:42:user:7", 3)

	require.Equal(t, []string{"zoocache:invalidate"}, fake.channels)
	require.Equal(t, []string{"org:42:user:7|3"}, fake.published)
}

func Test_Redis_Publish_Swallows_Errors(t *testing.T) {
	t.Parallel()

	fake := &fakeBusClient{publishErr: context.DeadlineExceeded}
	b := NewRedis(fake, "zoocache", "", nil)
	t.Cleanup(func() { _ = b.Close() })

	b.Publish(context.Background(), "user:1", 1)
	require.Len(t, fake.published, 1)
}

func Test_Redis_Heartbeat_Key(t *testing.T) {
	t.Parallel()

	fake := &fakeBusClient{}
	b := NewRedis(fake, "zoocache", "node-1", nil)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.PushHeartbeat(context.Background(), "node-1", `{"pid":1}`, 30))
	require.Equal(t, []string{"zoocache:node:node-1"}, fake.sets)
}

func Test_Redis_Channel_Names(t *testing.T) {
	t.Parallel()

	b := NewRedis(&fakeBusClient{}, "zoocache", "node-7", nil)
	t.Cleanup(func() { _ = b.Close() })

	require.Equal(t, "zoocache:invalidate", b.channel())
	require.Equal(t, "zoocache:node:node-7:invalidate", b.nodeChannel())
}
