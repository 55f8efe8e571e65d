package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound covers missing runs and runs owned by a different scope.
var ErrNotFound = errors.New("run not found")

// Scope bounds reads to the owning installation and user.
type Scope struct {
	InstallationID string
	UserID         string
}

// RedisStore persists runs, their event logs, rollback handles, and the
// shared FIFO queue workers claim from.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Enqueue persists a mapped run and places it at the tail of the queue.
func (s *RedisStore) Enqueue(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("run required")
	}
	if rec.InstallationID == "" || rec.UserID == "" {
		return fmt.Errorf("installation and user scope required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Status = StatusQueued

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	evt, err := json.Marshal(Event{
		ID:    uuid.NewString(),
		RunID: rec.ID,
		Type:  EventQueued,
		At:    now,
	})
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, runKey(rec.ID), payload, 0)
	pipe.ZAdd(ctx, queueKey(), redis.Z{Score: float64(now.UnixNano()), Member: rec.ID})
	pipe.ZAdd(ctx, runIndexKey(rec.InstallationID, rec.UserID), redis.Z{Score: float64(now.UnixNano()), Member: rec.ID})
	pipe.RPush(ctx, runEventsKey(rec.ID), evt)
	_, err = pipe.Exec(ctx)
	return err
}

// ClaimOldest atomically pops the oldest queued run and marks it running.
// ZPOPMIN makes the claim exclusive: concurrent workers never receive the
// same run. Returns nil when the queue is empty.
func (s *RedisStore) ClaimOldest(ctx context.Context) (*Record, error) {
	popped, err := s.rdb.ZPopMin(ctx, queueKey(), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("pop run queue: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	runID, _ := popped[0].Member.(string)
	rec, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec.Status = StatusRunning
	rec.StartedAt = &now
	if err := s.Update(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.AppendEvent(ctx, runID, EventLeased, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update overwrites a run document.
func (s *RedisStore) Update(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("run id required")
	}
	rec.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return s.rdb.Set(ctx, runKey(rec.ID), payload, 0).Err()
}

// Get returns a run the scope owns; anything else reads as not found.
func (s *RedisStore) Get(ctx context.Context, scope Scope, runID string) (*Record, error) {
	rec, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.InstallationID != scope.InstallationID || rec.UserID != scope.UserID {
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns the scope's most recent runs.
func (s *RedisStore) List(ctx context.Context, scope Scope, limit int64) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.ZRevRange(ctx, runIndexKey(scope.InstallationID, scope.UserID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, scope, id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// AppendEvent records one run event in append order.
func (s *RedisStore) AppendEvent(ctx context.Context, runID, eventType string, detail map[string]any) error {
	if runID == "" || eventType == "" {
		return fmt.Errorf("run id and event type required")
	}
	var payload json.RawMessage
	if detail != nil {
		encoded, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal event detail: %w", err)
		}
		payload = encoded
	}
	data, err := json.Marshal(Event{
		ID:     uuid.NewString(),
		RunID:  runID,
		Type:   eventType,
		Detail: payload,
		At:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	return s.rdb.RPush(ctx, runEventsKey(runID), data).Err()
}

// Events returns a run's audit log in append order.
func (s *RedisStore) Events(ctx context.Context, scope Scope, runID string, limit int64) ([]Event, error) {
	if _, err := s.Get(ctx, scope, runID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.rdb.LRange(ctx, runEventsKey(runID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var evt Event
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// SaveHandle persists a new rollback handle for a run.
func (s *RedisStore) SaveHandle(ctx context.Context, h *RollbackHandle) error {
	if h == nil || h.RunID == "" {
		return fmt.Errorf("run id required")
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now
	if h.Status == "" {
		h.Status = HandlePending
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal rollback handle: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, handleKey(h.ID), payload, 0)
	pipe.RPush(ctx, runHandlesKey(h.RunID), h.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateHandle overwrites a rollback handle document.
func (s *RedisStore) UpdateHandle(ctx context.Context, h *RollbackHandle) error {
	if h == nil || h.ID == "" {
		return fmt.Errorf("handle id required")
	}
	h.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal rollback handle: %w", err)
	}
	return s.rdb.Set(ctx, handleKey(h.ID), payload, 0).Err()
}

// Handles returns a run's rollback handles in creation order.
func (s *RedisStore) Handles(ctx context.Context, runID string) ([]*RollbackHandle, error) {
	ids, err := s.rdb.LRange(ctx, runHandlesKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*RollbackHandle, 0, len(ids))
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, handleKey(id)).Bytes()
		if err != nil {
			continue
		}
		var h RollbackHandle
		if err := json.Unmarshal(data, &h); err != nil {
			continue
		}
		out = append(out, &h)
	}
	return out, nil
}

func (s *RedisStore) load(ctx context.Context, runID string) (*Record, error) {
	if runID == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &rec, nil
}

func runKey(id string) string {
	return "pp:run:" + id
}

func queueKey() string {
	return "pp:run:queue"
}

func runIndexKey(installationID, userID string) string {
	return "pp:run:index:" + installationID + ":" + userID
}

func runEventsKey(id string) string {
	return "pp:run:events:" + id
}

func handleKey(id string) string {
	return "pp:run:handle:" + id
}

func runHandlesKey(runID string) string {
	return "pp:run:handles:" + runID
}
