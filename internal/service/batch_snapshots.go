package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Dtcsrni/omr-review/internal/dto"
)

// BatchSnapshotStore shares batch snapshots between API nodes so a node that does not
// run a batch can still serve its state and stream it.
type BatchSnapshotStore interface {
	Save(ctx context.Context, snapshot dto.BatchResponse) error
	Load(ctx context.Context, id string) (dto.BatchResponse, error)
}

type redisBatchSnapshots struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBatchSnapshots stores snapshots as JSON under prefix:<id>. A nil client
// returns nil, which keeps batches node-local.
func NewRedisBatchSnapshots(client *redis.Client, prefix string, ttl time.Duration) BatchSnapshotStore {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisBatchSnapshots{client: client, prefix: prefix, ttl: ttl}
}

func (s *redisBatchSnapshots) key(id string) string {
	return fmt.Sprintf("%s:snapshot:%s", s.prefix, id)
}

func (s *redisBatchSnapshots) Save(ctx context.Context, snapshot dto.BatchResponse) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(snapshot.ID), payload, s.ttl).Err()
}

func (s *redisBatchSnapshots) Load(ctx context.Context, id string) (dto.BatchResponse, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dto.BatchResponse{}, ErrBatchNotFound
		}
		return dto.BatchResponse{}, err
	}
	var snapshot dto.BatchResponse
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return dto.BatchResponse{}, fmt.Errorf("decode batch snapshot: %w", err)
	}
	return snapshot, nil
}
