package distributed

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/pkg/config"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (c *collector) handle(ev domain.SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestLocalEventBus_FanOut(t *testing.T) {
	bus := NewLocalEventBus(zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := &collector{}, &collector{}
	go bus.Subscribe(ctx, a.handle)
	go bus.Subscribe(ctx, b.handle)

	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, domain.SessionEvent{Type: domain.SessionEventJoined, Code: "123456"}))

	assert.Eventually(t, func() bool { return a.len() == 1 && b.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.SessionCode("123456"), a.events[0].Code)
}

func TestLocalEventBus_CloseEndsSubscribers(t *testing.T) {
	bus := NewLocalEventBus(zap.NewNop().Sugar())

	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(context.Background(), func(domain.SessionEvent) {}) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, bus.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not return after Close")
	}
	assert.Error(t, bus.Publish(context.Background(), domain.SessionEvent{}))
	assert.Error(t, bus.Subscribe(context.Background(), func(domain.SessionEvent) {}))
}

func TestNewSessionEventBus_FallsBackToLocal(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Events.Driver = "redis"

	bus, err := NewSessionEventBus(cfg, nil, "instance-1", zap.NewNop().Sugar())
	require.NoError(t, err)
	_, ok := bus.(*LocalEventBus)
	assert.True(t, ok)
}

func TestNATSEventBus_SubjectFor(t *testing.T) {
	b := &NATSEventBus{subject: "remotelink.sessions"}
	got := b.subjectFor(domain.SessionEvent{Type: domain.SessionEventPermissionsUpdated, Code: "123456"})
	assert.Equal(t, "remotelink.sessions.123456.permissions_updated", got)
}

func TestNATSEventBus_RoundTrip(t *testing.T) {
	url := os.Getenv("REMOTELINK_TEST_NATS")
	if url == "" {
		t.Skip("REMOTELINK_TEST_NATS not set")
	}
	bus, err := NewNATSEventBus(url, "remotelink.test", "instance-1", zap.NewNop().Sugar())
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{}
	go bus.Subscribe(ctx, c.handle)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, domain.SessionEvent{Type: domain.SessionEventCreated, Code: "654321"}))
	assert.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisEventBus_RoundTrip(t *testing.T) {
	addr := os.Getenv("REMOTELINK_TEST_REDIS")
	if addr == "" {
		t.Skip("REMOTELINK_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	bus := NewRedisEventBus(client, "instance-1", zap.NewNop().Sugar())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{}
	go bus.Subscribe(ctx, c.handle)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, domain.SessionEvent{Type: domain.SessionEventEvicted, Code: "654321"}))
	assert.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 10*time.Millisecond)
}
