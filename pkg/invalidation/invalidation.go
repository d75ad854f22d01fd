// Package invalidation broadcasts cleared cache keys over Pub/Sub so that
// every service instance drops its local copy.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	attrKey      = "cache_key"
	attrInstance = "instance_id"
)

// Config holds the Pub/Sub resources used for invalidation. Each instance
// creates its own subscription named SubscriptionPrefix-<instance id>; a
// subscription shared by several instances would deliver each key to only
// one of them.
type Config struct {
	Enabled            bool   `yaml:"enabled"`
	ProjectID          string `yaml:"project_id"`
	TopicID            string `yaml:"topic_id"`
	SubscriptionPrefix string `yaml:"subscription_prefix"`
}

// Remover is the part of a cache store the Listener needs.
type Remover interface {
	Remove(ctx context.Context, key string) error
}

// NewInstanceID returns an id that tags messages published by this process.
func NewInstanceID() string {
	return uuid.NewString()
}

// PubsubPublisher publishes cleared keys to a topic.
type PubsubPublisher struct {
	topic      *pubsub.Topic
	instanceID string
	logger     zerolog.Logger
}

// NewPubsubPublisher verifies the topic exists before returning.
func NewPubsubPublisher(ctx context.Context, client *pubsub.Client, topicID, instanceID string, logger zerolog.Logger) (*PubsubPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &PubsubPublisher{
		topic:      topic,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "InvalidationPublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// Invalidate publishes key and waits for the server to accept it.
func (p *PubsubPublisher) Invalidate(ctx context.Context, key string) error {
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: []byte(key),
		Attributes: map[string]string{
			attrKey:      key,
			attrInstance: p.instanceID,
		},
	})
	msgID, err := res.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish invalidation for %s: %w", key, err)
	}
	p.logger.Debug().Str("cache_key", key).Str("msg_id", msgID).Msg("Invalidation published")
	return nil
}

// Stop flushes pending publishes, respecting the context's deadline.
func (p *PubsubPublisher) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listener removes keys received on a subscription from a local store.
//
// Pub/Sub delivers each message to only one receiver of a subscription, so
// every Listener owns a subscription of its own, named
// <prefix>-<instanceID>. It is created by NewListener and deleted by Stop;
// an expiration policy removes it if the process dies without stopping.
// Messages published by the same instance are acked and skipped, since the
// publishing instance has already removed its own entry.
type Listener struct {
	subscription *pubsub.Subscription
	store        Remover
	instanceID   string
	logger       zerolog.Logger

	cancel   context.CancelFunc
	doneChan chan struct{}
	stopOnce sync.Once
}

// subscriptionExpiry is the shortest expiration policy Pub/Sub accepts.
const subscriptionExpiry = 24 * time.Hour

// SubscriptionName returns the subscription id used by the instance.
func SubscriptionName(prefix, instanceID string) string {
	return prefix + "-" + instanceID
}

// NewListener creates the instance's subscription on topicID.
func NewListener(
	ctx context.Context,
	client *pubsub.Client,
	topicID, subscriptionPrefix, instanceID string,
	store Remover,
	logger zerolog.Logger,
) (*Listener, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if subscriptionPrefix == "" || instanceID == "" {
		return nil, fmt.Errorf("subscription prefix and instance id cannot be empty")
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	subID := SubscriptionName(subscriptionPrefix, instanceID)
	sub, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
		Topic:            topic,
		ExpirationPolicy: subscriptionExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription %s: %w", subID, err)
	}

	return &Listener{
		subscription: sub,
		store:        store,
		instanceID:   instanceID,
		logger:       logger.With().Str("component", "InvalidationListener").Str("subscription_id", subID).Logger(),
		doneChan:     make(chan struct{}),
	}, nil
}

// SubscriptionID returns the id of the subscription owned by the Listener.
func (l *Listener) SubscriptionID() string {
	return l.subscription.ID()
}

// Start begins receiving in a background goroutine.
func (l *Listener) Start(ctx context.Context) {
	receiveCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	go func() {
		defer close(l.doneChan)
		l.logger.Info().Msg("Invalidation listener started")

		err := l.subscription.Receive(receiveCtx, l.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error().Err(err).Msg("Invalidation receive exited with error")
		}
		l.logger.Info().Msg("Invalidation listener stopped")
	}()
}

func (l *Listener) handle(ctx context.Context, msg *pubsub.Message) {
	if msg.Attributes[attrInstance] == l.instanceID {
		msg.Ack()
		return
	}
	key := msg.Attributes[attrKey]
	if key == "" {
		key = string(msg.Data)
	}
	if key == "" {
		l.logger.Warn().Str("msg_id", msg.ID).Msg("Invalidation message without a key, dropping")
		msg.Ack()
		return
	}

	if err := l.store.Remove(ctx, key); err != nil {
		l.logger.Error().Err(err).Str("cache_key", key).Msg("Failed to remove invalidated key, nacking")
		msg.Nack()
		return
	}
	msg.Ack()
}

// Stop cancels receiving, waits for the receive goroutine to exit and
// deletes the instance's subscription.
func (l *Listener) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
			select {
			case <-l.doneChan:
			case <-ctx.Done():
				err = ctx.Err()
				return
			case <-time.After(30 * time.Second):
				err = fmt.Errorf("timeout waiting for invalidation listener to stop")
				return
			}
		}
		if delErr := l.subscription.Delete(ctx); delErr != nil {
			err = fmt.Errorf("failed to delete subscription %s: %w", l.subscription.ID(), delErr)
		}
	})
	return err
}
