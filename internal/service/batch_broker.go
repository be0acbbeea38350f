package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Dtcsrni/omr-review/internal/models"
)

const batchUpdateBufferSize = 256

// BatchUpdateBroker fans batch status updates out to local websocket subscribers and,
// when configured, to the other API nodes through Redis pub/sub and NATS. A subscriber
// whose buffer is full is closed rather than silently skipped, so it can reconnect
// and resume from a fresh snapshot.
type BatchUpdateBroker interface {
	Publish(ctx context.Context, update models.BatchStatusUpdate)
	Subscribe(batchID string) (<-chan models.BatchStatusUpdate, func())
	Start(ctx context.Context)
}

type batchUpdateEvent struct {
	Source string                   `json:"source"`
	Update models.BatchStatusUpdate `json:"update"`
	SentAt time.Time                `json:"sent_at"`
}

type batchUpdateBroker struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string

	mu          sync.RWMutex
	subscribers map[string]map[chan models.BatchStatusUpdate]struct{}
}

// NewBatchUpdateBroker constructs the broker. Nil clients keep delivery node-local.
func NewBatchUpdateBroker(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) BatchUpdateBroker {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":updates"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".updates"
	}

	return &batchUpdateBroker{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "batch_update_broker").Logger(),
		nodeID:       uuid.NewString(),
		subscribers:  make(map[string]map[chan models.BatchStatusUpdate]struct{}),
	}
}

func (b *batchUpdateBroker) Start(ctx context.Context) {
	if b.redis != nil && b.redisChannel != "" {
		go b.consumeRedis(ctx)
	}
	if b.nats != nil && b.natsSubject != "" {
		b.consumeNATS(ctx)
	}
}

func (b *batchUpdateBroker) Publish(ctx context.Context, update models.BatchStatusUpdate) {
	b.broadcast(update)

	if (b.redis == nil || b.redisChannel == "") && (b.nats == nil || b.natsSubject == "") {
		return
	}

	payload, err := json.Marshal(batchUpdateEvent{Source: b.nodeID, Update: update, SentAt: time.Now().UTC()})
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to encode batch update")
		return
	}
	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to publish batch update to redis")
		}
	}
	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			b.logger.Warn().Err(err).Msg("failed to publish batch update to nats")
		}
	}
}

func (b *batchUpdateBroker) Subscribe(batchID string) (<-chan models.BatchStatusUpdate, func()) {
	ch := make(chan models.BatchStatusUpdate, batchUpdateBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[batchID]; !ok {
		b.subscribers[batchID] = make(map[chan models.BatchStatusUpdate]struct{})
	}
	b.subscribers[batchID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.removeLocked(batchID, ch)
		})
	}
	return ch, cleanup
}

// removeLocked closes ch if it is still registered. The caller holds b.mu.
func (b *batchUpdateBroker) removeLocked(batchID string, ch chan models.BatchStatusUpdate) bool {
	subscribers, ok := b.subscribers[batchID]
	if !ok {
		return false
	}
	if _, ok := subscribers[ch]; !ok {
		return false
	}
	delete(subscribers, ch)
	close(ch)
	if len(subscribers) == 0 {
		delete(b.subscribers, batchID)
	}
	return true
}

func (b *batchUpdateBroker) broadcast(update models.BatchStatusUpdate) {
	var lagging []chan models.BatchStatusUpdate

	b.mu.RLock()
	for ch := range b.subscribers[update.BatchID] {
		select {
		case ch <- update:
		default:
			lagging = append(lagging, ch)
		}
	}
	b.mu.RUnlock()

	if len(lagging) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range lagging {
		if b.removeLocked(update.BatchID, ch) {
			b.logger.Warn().Str("batch_id", update.BatchID).Msg("closing lagging batch subscriber")
		}
	}
}

func (b *batchUpdateBroker) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Msg("batch update redis subscription closed")
			return
		}
		b.handleEvent([]byte(msg.Payload))
	}
}

func (b *batchUpdateBroker) consumeNATS(ctx context.Context) {
	sub, err := b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
		b.handleEvent(msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats batch subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain batch nats subscription")
		}
	}()
}

func (b *batchUpdateBroker) handleEvent(payload []byte) {
	var event batchUpdateEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		b.logger.Warn().Err(err).Msg("invalid batch update payload")
		return
	}
	if event.Source == b.nodeID {
		return
	}
	b.broadcast(event.Update)
}
