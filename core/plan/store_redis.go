package plan

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
	// ErrNotFound covers both a genuinely missing plan and a plan owned by
	// a different installation or user. Cross-tenant reads never reveal
	// that the plan exists.
	ErrNotFound = errors.New("plan not found")

	// ErrNotApprovable means the plan is not in the validated state.
	ErrNotApprovable = errors.New("plan not approvable")
)

// Scope identifies the owning installation and user of a plan. Every store
// operation is bounded by it.
type Scope struct {
	InstallationID string
	UserID         string
}

func (s Scope) valid() bool {
	return s.InstallationID != "" && s.UserID != ""
}

// statusCAS flips the status key only when it currently holds the expected
// value. The winner of a concurrent approve/reject race gets 1.
var statusCAS = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// RedisStore persists plan contracts, their append-only event logs, and
// daily token usage counters.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Create persists a plan and its opening events in one transaction: every
// plan gets a draft event, and a plan that passed validation also gets a
// validated event. The plan id is assigned here when empty.
func (s *RedisStore) Create(ctx context.Context, scope Scope, p *Contract) error {
	if p == nil {
		return fmt.Errorf("plan required")
	}
	if !scope.valid() {
		return fmt.Errorf("installation and user scope required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.InstallationID = scope.InstallationID
	p.UserID = scope.UserID
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = StatusDraft
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	events := []Event{{
		ID:        uuid.NewString(),
		PlanID:    p.ID,
		Type:      EventDraft,
		ActorType: "system",
		ActorID:   "validator",
		At:        now,
	}}
	switch p.Status {
	case StatusValidated:
		events = append(events, Event{
			ID:        uuid.NewString(),
			PlanID:    p.ID,
			Type:      EventValidated,
			ActorType: "system",
			ActorID:   "validator",
			At:        now,
		})
	case StatusRejected:
		detail, _ := json.Marshal(map[string]any{"issues": p.Issues})
		events = append(events, Event{
			ID:        uuid.NewString(),
			PlanID:    p.ID,
			Type:      EventRejected,
			ActorType: "system",
			ActorID:   "validator",
			Payload:   detail,
			At:        now,
		})
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, planKey(p.ID), payload, 0)
	pipe.Set(ctx, planStatusKey(p.ID), string(p.Status), 0)
	pipe.ZAdd(ctx, planIndexKey(scope), redis.Z{Score: float64(now.UnixNano()), Member: p.ID})
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal plan event: %w", err)
		}
		pipe.RPush(ctx, planEventsKey(p.ID), data)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns a plan the scope owns. A plan owned by anyone else reads as
// not found.
func (s *RedisStore) Get(ctx context.Context, scope Scope, planID string) (*Contract, error) {
	if planID == "" || !scope.valid() {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, planKey(planID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p Contract
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if p.InstallationID != scope.InstallationID || p.UserID != scope.UserID {
		return nil, ErrNotFound
	}
	return &p, nil
}

// List returns the scope's most recent plans.
func (s *RedisStore) List(ctx context.Context, scope Scope, limit int64) ([]*Contract, error) {
	if !scope.valid() {
		return nil, fmt.Errorf("installation and user scope required")
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.ZRevRange(ctx, planIndexKey(scope), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Contract, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, scope, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Approve transitions a validated plan to approved. Exactly one concurrent
// caller wins; any other current status is a conflict.
func (s *RedisStore) Approve(ctx context.Context, scope Scope, planID, actorType, actorID string) (*Contract, error) {
	return s.decide(ctx, scope, planID, StatusApproved, EventApproved, actorType, actorID, nil)
}

// Reject transitions a validated plan to rejected, recording the reason.
func (s *RedisStore) Reject(ctx context.Context, scope Scope, planID, actorType, actorID, reason string) (*Contract, error) {
	var payload json.RawMessage
	if reason != "" {
		payload, _ = json.Marshal(map[string]string{"reason": reason})
	}
	return s.decide(ctx, scope, planID, StatusRejected, EventRejected, actorType, actorID, payload)
}

func (s *RedisStore) decide(ctx context.Context, scope Scope, planID string, next Status, eventType, actorType, actorID string, payload json.RawMessage) (*Contract, error) {
	p, err := s.Get(ctx, scope, planID)
	if err != nil {
		return nil, err
	}

	won, err := statusCAS.Run(ctx, s.rdb, []string{planStatusKey(planID)}, string(StatusValidated), string(next)).Int()
	if err != nil {
		return nil, fmt.Errorf("plan status cas: %w", err)
	}
	if won != 1 {
		return nil, ErrNotApprovable
	}

	now := time.Now().UTC()
	p.Status = next
	p.UpdatedAt = now
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	evt := Event{
		ID:        uuid.NewString(),
		PlanID:    planID,
		Type:      eventType,
		ActorType: actorType,
		ActorID:   actorID,
		Payload:   payload,
		At:        now,
	}
	evtData, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal plan event: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, planKey(planID), doc, 0)
	pipe.RPush(ctx, planEventsKey(planID), evtData)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Events returns a plan's audit log in append order. Identical timestamps
// keep their insertion order.
func (s *RedisStore) Events(ctx context.Context, scope Scope, planID string, limit int64) ([]Event, error) {
	if _, err := s.Get(ctx, scope, planID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.rdb.LRange(ctx, planEventsKey(planID), 0, limit-1).Result()
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

// AddTokenUsage bumps the scope's token counter for the UTC day containing
// at, and returns the new total.
func (s *RedisStore) AddTokenUsage(ctx context.Context, scope Scope, at time.Time, tokens int) (int64, error) {
	if !scope.valid() {
		return 0, fmt.Errorf("installation and user scope required")
	}
	return s.rdb.IncrBy(ctx, tokenUsageKey(scope, at), int64(tokens)).Result()
}

// TokenUsage returns the scope's token total for the UTC day containing at.
func (s *RedisStore) TokenUsage(ctx context.Context, scope Scope, at time.Time) (int64, error) {
	if !scope.valid() {
		return 0, fmt.Errorf("installation and user scope required")
	}
	total, err := s.rdb.Get(ctx, tokenUsageKey(scope, at)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return total, err
}

func planKey(id string) string {
	return "pp:plan:" + id
}

func planStatusKey(id string) string {
	return "pp:plan:status:" + id
}

func planEventsKey(id string) string {
	return "pp:plan:events:" + id
}

func planIndexKey(scope Scope) string {
	return "pp:plan:index:" + scope.InstallationID + ":" + scope.UserID
}

func tokenUsageKey(scope Scope, at time.Time) string {
	return "pp:plan:tokens:" + scope.InstallationID + ":" + scope.UserID + ":" + at.UTC().Format("2006-01-02")
}
