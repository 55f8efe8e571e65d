// Package toolhost is the remote side of the signed channel: it verifies
// inbound tool calls, runs them through the admission guard, and executes
// the content-management tools.
package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrItemNotFound = errors.New("content item not found")
	ErrJobNotFound  = errors.New("bulk job not found")
)

// ContentItem is one draft created through the tool surface.
type ContentItem struct {
	ID        string    `json:"id"`
	Page      string    `json:"page,omitempty"`
	Title     string    `json:"title,omitempty"`
	Status    string    `json:"status"`
	PlanID    string    `json:"plan_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BulkJob is one scheduled bulk-create job.
type BulkJob struct {
	ID        string    `json:"id"`
	Pages     []string  `json:"pages"`
	Status    string    `json:"status"`
	PlanID    string    `json:"plan_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ContentStore persists items and jobs created by the write tools so the
// compensating tools can undo them.
type ContentStore struct {
	rdb redis.UniversalClient
}

func NewContentStore(rdb redis.UniversalClient) *ContentStore {
	return &ContentStore{rdb: rdb}
}

func (s *ContentStore) CreateItem(ctx context.Context, item *ContentItem) error {
	if item == nil {
		return fmt.Errorf("item required")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = "draft"
	}
	item.CreatedAt = time.Now().UTC()
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, itemKey(item.ID), payload, 0)
	pipe.ZAdd(ctx, itemIndexKey(), redis.Z{Score: float64(item.CreatedAt.UnixNano()), Member: item.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *ContentStore) DeleteItem(ctx context.Context, itemID string) error {
	removed, err := s.rdb.Del(ctx, itemKey(itemID)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrItemNotFound
	}
	return s.rdb.ZRem(ctx, itemIndexKey(), itemID).Err()
}

func (s *ContentStore) ListItems(ctx context.Context, limit int64) ([]ContentItem, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.rdb.ZRevRange(ctx, itemIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ContentItem, 0, len(ids))
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, itemKey(id)).Bytes()
		if err != nil {
			continue
		}
		var item ContentItem
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *ContentStore) CreateJob(ctx context.Context, job *BulkJob) error {
	if job == nil {
		return fmt.Errorf("job required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = "scheduled"
	}
	job.CreatedAt = time.Now().UTC()
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.rdb.Set(ctx, jobKey(job.ID), payload, 0).Err()
}

func (s *ContentStore) CancelJob(ctx context.Context, jobID string) error {
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	var job BulkJob
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}
	job.Status = "cancelled"
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.rdb.Set(ctx, jobKey(jobID), payload, 0).Err()
}

func (s *ContentStore) GetJob(ctx context.Context, jobID string) (*BulkJob, error) {
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job BulkJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func itemKey(id string) string {
	return "pp:host:item:" + id
}

func itemIndexKey() string {
	return "pp:host:items"
}

func jobKey(id string) string {
	return "pp:host:job:" + id
}
