package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stageflow/lifecycle-engine/types"
)

const (
	modulePrefix    = "module:"
	blueprintPrefix = "blueprint:"
	rulePrefix      = "rule:"
	ruleIndexPrefix = "rules:module:"
	processPrefix   = "process:"
	requestPrefix   = "request:"
	decisionPrefix  = "decisions:"
	pendingPrefix   = "pending:record:"
)

// RedisStore is a Redis-backed implementation of the Store interface.
// Conditional request writes use WATCH transactions, so concurrent
// updates to the same request resolve to exactly one winner.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStore creates a RedisStore and verifies connectivity.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStore{client: client}, nil
}

// set marshals a value under key.
func (s *RedisStore) set(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// get retrieves and unmarshals a value from Redis.
func get[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

func (s *RedisStore) SaveModule(ctx context.Context, m types.Module) error {
	return s.set(ctx, fmt.Sprintf("%s%d", modulePrefix, m.ID), m)
}

func (s *RedisStore) GetModule(ctx context.Context, id uint64) (types.Module, error) {
	return get[types.Module](ctx, s.client, fmt.Sprintf("%s%d", modulePrefix, id), ErrModuleNotFound)
}

// ModuleFields satisfies the validation engine's module catalog lookup.
func (s *RedisStore) ModuleFields(ctx context.Context, moduleID uint64) ([]types.Field, error) {
	m, err := s.GetModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	return m.Fields, nil
}

func (s *RedisStore) SaveBlueprint(ctx context.Context, bp types.Blueprint) error {
	return s.set(ctx, fmt.Sprintf("%s%d", blueprintPrefix, bp.ModuleID), bp)
}

func (s *RedisStore) GetBlueprint(ctx context.Context, moduleID uint64) (types.Blueprint, error) {
	return get[types.Blueprint](ctx, s.client, fmt.Sprintf("%s%d", blueprintPrefix, moduleID), ErrBlueprintNotFound)
}

// SaveBlueprints saves multiple blueprints using pipelining.
func (s *RedisStore) SaveBlueprints(ctx context.Context, bps []types.Blueprint) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, bp := range bps {
			data, err := json.Marshal(bp)
			if err != nil {
				return fmt.Errorf("failed to marshal blueprint %d: %v", bp.ModuleID, err)
			}
			pipe.Set(ctx, fmt.Sprintf("%s%d", blueprintPrefix, bp.ModuleID), data, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for blueprints: %v", err)
		}
		return nil
	})
}

func (s *RedisStore) SaveRule(ctx context.Context, r types.ValidationRule) error {
	return withContextError(ctx, func() error {
		if err := s.set(ctx, fmt.Sprintf("%s%d", rulePrefix, r.ID), r); err != nil {
			return err
		}
		return s.client.SAdd(ctx, fmt.Sprintf("%s%d", ruleIndexPrefix, r.ModuleID), r.ID).Err()
	})
}

func (s *RedisStore) ListRules(ctx context.Context, moduleID uint64) ([]types.ValidationRule, error) {
	return withContext(ctx, func() ([]types.ValidationRule, error) {
		ids, err := s.client.SMembers(ctx, fmt.Sprintf("%s%d", ruleIndexPrefix, moduleID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list rule index: %v", err)
		}
		out := make([]types.ValidationRule, 0, len(ids))
		for _, raw := range ids {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				continue
			}
			r, err := get[types.ValidationRule](ctx, s.client, fmt.Sprintf("%s%d", rulePrefix, id), ErrRequestNotFound)
			if errors.Is(err, ErrRequestNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

func (s *RedisStore) SaveProcess(ctx context.Context, p types.ApprovalProcess) error {
	return s.set(ctx, fmt.Sprintf("%s%d", processPrefix, p.ID), p)
}

func (s *RedisStore) GetProcess(ctx context.Context, id uint64) (types.ApprovalProcess, error) {
	return get[types.ApprovalProcess](ctx, s.client, fmt.Sprintf("%s%d", processPrefix, id), ErrProcessNotFound)
}

func (s *RedisStore) CreateRequest(ctx context.Context, r types.ApprovalRequest) error {
	return withContextError(ctx, func() error {
		pendingKey := fmt.Sprintf("%s%d", pendingPrefix, r.RecordID)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			existing, err := tx.Get(ctx, pendingKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to read pending index: %v", err)
			}
			if err == nil {
				return fmt.Errorf("%w: request %s", ErrDuplicatePending, existing)
			}

			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal request %d: %v", r.ID, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, fmt.Sprintf("%s%d", requestPrefix, r.ID), data, 0)
				if r.Status == types.StatusPending {
					pipe.Set(ctx, pendingKey, r.ID, 0)
				}
				return nil
			})
			return err
		}, pendingKey)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: concurrent request creation", ErrDuplicatePending)
		}
		return err
	})
}

func (s *RedisStore) UpdateRequest(ctx context.Context, r types.ApprovalRequest, expectStatus types.RequestStatus, expectStep int) error {
	return withContextError(ctx, func() error {
		key := fmt.Sprintf("%s%d", requestPrefix, r.ID)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: id=%d", ErrRequestNotFound, r.ID)
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %v", key, err)
			}
			var cur types.ApprovalRequest
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			if cur.Status != expectStatus || cur.CurrentStep != expectStep {
				return fmt.Errorf("%w: request %d is %s at step %d", ErrConflict, r.ID, cur.Status, cur.CurrentStep)
			}

			updated, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal request %d: %v", r.ID, err)
			}
			pendingKey := fmt.Sprintf("%s%d", pendingPrefix, r.RecordID)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				if r.Status == types.StatusPending {
					pipe.Set(ctx, pendingKey, r.ID, 0)
				} else {
					pipe.Del(ctx, pendingKey)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: request %d", ErrConflict, r.ID)
		}
		return err
	})
}

func (s *RedisStore) GetRequest(ctx context.Context, id uint64) (types.ApprovalRequest, error) {
	return get[types.ApprovalRequest](ctx, s.client, fmt.Sprintf("%s%d", requestPrefix, id), ErrRequestNotFound)
}

func (s *RedisStore) ListRequests(ctx context.Context) ([]types.ApprovalRequest, error) {
	return withContext(ctx, func() ([]types.ApprovalRequest, error) {
		keys, err := s.client.Keys(ctx, requestPrefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan request keys: %v", err)
		}
		out := make([]types.ApprovalRequest, 0, len(keys))
		for _, key := range keys {
			r, err := get[types.ApprovalRequest](ctx, s.client, key, ErrRequestNotFound)
			if errors.Is(err, ErrRequestNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt < out[j].CreatedAt
			}
			return out[i].ID < out[j].ID
		})
		return out, nil
	})
}

func (s *RedisStore) PendingRequestForRecord(ctx context.Context, recordID uint64) (*types.ApprovalRequest, error) {
	return withContext(ctx, func() (*types.ApprovalRequest, error) {
		raw, err := s.client.Get(ctx, fmt.Sprintf("%s%d", pendingPrefix, recordID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to read pending index: %v", err)
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt pending index for record %d: %v", recordID, err)
		}
		r, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		return &r, nil
	})
}

func (s *RedisStore) AppendDecision(ctx context.Context, d types.ApprovalDecision) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal decision %d: %v", d.ID, err)
		}
		return s.client.RPush(ctx, fmt.Sprintf("%s%d", decisionPrefix, d.RequestID), data).Err()
	})
}

func (s *RedisStore) ListDecisions(ctx context.Context, requestID uint64) ([]types.ApprovalDecision, error) {
	return withContext(ctx, func() ([]types.ApprovalDecision, error) {
		raw, err := s.client.LRange(ctx, fmt.Sprintf("%s%d", decisionPrefix, requestID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read decision log: %v", err)
		}
		out := make([]types.ApprovalDecision, 0, len(raw))
		for _, item := range raw {
			var d types.ApprovalDecision
			if err := json.Unmarshal([]byte(item), &d); err != nil {
				return nil, fmt.Errorf("failed to unmarshal decision: %v", err)
			}
			out = append(out, d)
		}
		return out, nil
	})
}

// ClearResolved removes requests with a terminal status from Redis along
// with their decision logs.
func (s *RedisStore) ClearResolved(ctx context.Context) error {
	return withContextError(ctx, func() error {
		keys, err := s.client.Keys(ctx, requestPrefix+"*").Result()
		if err != nil {
			return fmt.Errorf("failed to scan request keys: %v", err)
		}
		if len(keys) == 0 {
			return nil
		}

		pipe := s.client.Pipeline()
		for _, key := range keys {
			r, err := get[types.ApprovalRequest](ctx, s.client, key, ErrRequestNotFound)
			if errors.Is(err, ErrRequestNotFound) {
				continue
			} else if err != nil {
				return err
			}
			if r.Terminal() {
				pipe.Del(ctx, key)
				pipe.Del(ctx, fmt.Sprintf("%s%d", decisionPrefix, r.ID))
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
