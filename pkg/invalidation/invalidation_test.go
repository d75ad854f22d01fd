package invalidation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-fetchcache/pkg/cache"
	"github.com/illmade-knight/go-fetchcache/pkg/invalidation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	projectID = "test-project"
	topicID   = "cache-invalidation"
	subID     = "cache-invalidation-sub"
)

func setupTestPubsub(t *testing.T) (*pubsub.Client, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	return client, sub
}

// recordingRemover records removed keys and can be made to fail.
type recordingRemover struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (r *recordingRemover) Remove(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.removed = append(r.removed, key)
	return nil
}

func (r *recordingRemover) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func TestPubsubPublisher_Invalidate(t *testing.T) {
	// --- Arrange ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client, sub := setupTestPubsub(t)

	publisher, err := invalidation.NewPubsubPublisher(ctx, client, topicID, "instance-a", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Stop(context.Background()) })

	// --- Act ---
	require.NoError(t, publisher.Invalidate(ctx, "fetch:getBalance:abc123"))

	// --- Assert ---
	var mu sync.Mutex
	var received *pubsub.Message
	receiveCtx, receiveCancel := context.WithCancel(ctx)
	t.Cleanup(receiveCancel)
	go func() {
		_ = sub.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			mu.Lock()
			received = msg
			mu.Unlock()
			msg.Ack()
			receiveCancel()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "fetch:getBalance:abc123", string(received.Data))
	assert.Equal(t, "fetch:getBalance:abc123", received.Attributes["cache_key"])
	assert.Equal(t, "instance-a", received.Attributes["instance_id"])
}

func TestNewPubsubPublisher_Validation(t *testing.T) {
	ctx := context.Background()
	client, _ := setupTestPubsub(t)

	_, err := invalidation.NewPubsubPublisher(ctx, nil, topicID, "a", zerolog.Nop())
	require.Error(t, err)

	_, err = invalidation.NewPubsubPublisher(ctx, client, "missing-topic", "a", zerolog.Nop())
	require.ErrorContains(t, err, "does not exist")
}

func newListener(t *testing.T, ctx context.Context, client *pubsub.Client, instanceID string, store invalidation.Remover) *invalidation.Listener {
	t.Helper()
	listener, err := invalidation.NewListener(ctx, client, topicID, "fetchcache", instanceID, store, zerolog.Nop())
	require.NoError(t, err)
	listener.Start(ctx)
	t.Cleanup(func() { _ = listener.Stop(context.Background()) })
	return listener
}

func TestListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	t.Run("Every peer drops the cleared key", func(t *testing.T) {
		// --- Arrange ---
		client, _ := setupTestPubsub(t)
		storeA := cache.NewInMemoryStore[string]()
		storeB := cache.NewInMemoryStore[string]()
		storeC := cache.NewInMemoryStore[string]()
		for _, s := range []*cache.InMemoryStore[string]{storeA, storeB, storeC} {
			require.NoError(t, s.Set(ctx, "k1", "v1", time.Time{}))
			require.NoError(t, s.Set(ctx, "k2", "v2", time.Time{}))
		}
		newListener(t, ctx, client, "instance-a", storeA)
		newListener(t, ctx, client, "instance-b", storeB)
		newListener(t, ctx, client, "instance-c", storeC)

		publisher, err := invalidation.NewPubsubPublisher(ctx, client, topicID, "instance-a", zerolog.Nop())
		require.NoError(t, err)

		// --- Act ---
		require.NoError(t, publisher.Invalidate(ctx, "k1"))

		// --- Assert ---
		for name, s := range map[string]*cache.InMemoryStore[string]{"instance-b": storeB, "instance-c": storeC} {
			require.Eventually(t, func() bool {
				_, ok, _ := s.Get(ctx, "k1")
				return !ok
			}, 5*time.Second, 20*time.Millisecond, "%s kept the cleared entry", name)

			_, ok, err := s.Get(ctx, "k2")
			require.NoError(t, err)
			assert.True(t, ok, "unrelated keys must survive on %s", name)
		}

		// The sender clears its own entry locally; its listener ignores the echo.
		_, ok, err := storeA.Get(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Skips its own broadcasts", func(t *testing.T) {
		client, _ := setupTestPubsub(t)
		remover := &recordingRemover{}
		newListener(t, ctx, client, "instance-a", remover)

		own, err := invalidation.NewPubsubPublisher(ctx, client, topicID, "instance-a", zerolog.Nop())
		require.NoError(t, err)
		other, err := invalidation.NewPubsubPublisher(ctx, client, topicID, "instance-b", zerolog.Nop())
		require.NoError(t, err)

		require.NoError(t, own.Invalidate(ctx, "mine"))
		require.NoError(t, other.Invalidate(ctx, "theirs"))

		require.Eventually(t, func() bool {
			return len(remover.Removed()) > 0
		}, 5*time.Second, 20*time.Millisecond)
		assert.Equal(t, []string{"theirs"}, remover.Removed())
	})

	t.Run("Store failure does not remove the key", func(t *testing.T) {
		client, _ := setupTestPubsub(t)
		remover := &recordingRemover{err: errors.New("redis down")}
		listener := newListener(t, ctx, client, "instance-b", remover)

		publisher, err := invalidation.NewPubsubPublisher(ctx, client, topicID, "instance-a", zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, publisher.Invalidate(ctx, "k1"))

		time.Sleep(100 * time.Millisecond)
		require.NoError(t, listener.Stop(context.Background()))
		assert.Empty(t, remover.Removed())
	})

	t.Run("Subscription is owned by the instance", func(t *testing.T) {
		client, _ := setupTestPubsub(t)
		listener, err := invalidation.NewListener(ctx, client, topicID, "fetchcache", "instance-a", &recordingRemover{}, zerolog.Nop())
		require.NoError(t, err)
		listener.Start(ctx)

		assert.Equal(t, invalidation.SubscriptionName("fetchcache", "instance-a"), listener.SubscriptionID())
		exists, err := client.Subscription(listener.SubscriptionID()).Exists(ctx)
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, listener.Stop(context.Background()))
		exists, err = client.Subscription(listener.SubscriptionID()).Exists(ctx)
		require.NoError(t, err)
		assert.False(t, exists, "stopping must delete the subscription")
	})

	t.Run("Invalid arguments", func(t *testing.T) {
		client, _ := setupTestPubsub(t)
		_, err := invalidation.NewListener(ctx, client, "missing-topic", "fetchcache", "a", &recordingRemover{}, zerolog.Nop())
		require.ErrorContains(t, err, "does not exist")

		_, err = invalidation.NewListener(ctx, client, topicID, "", "a", &recordingRemover{}, zerolog.Nop())
		require.Error(t, err)

		_, err = invalidation.NewListener(ctx, client, topicID, "fetchcache", "", &recordingRemover{}, zerolog.Nop())
		require.Error(t, err)
	})
}
