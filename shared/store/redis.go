package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"buildops/shared/model"
)

var (
	ErrTargetNotFound   = errors.New("build target not found")
	ErrBuildLogNotFound = errors.New("build log not found")
)

// maxTxRetries bounds the optimistic WATCH/MULTI retries of a single update.
const maxTxRetries = 50

// Redis persists build targets and build log entries.
//
// Keys:
//
//	target:<id>              BuildTarget JSON
//	buildlog:<id>            BuildLogEntry JSON
//	target:<id>:buildlogs    sorted set of build log ids scored by run id
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		now:    time.Now,
	}
}

func targetKey(id string) string   { return "target:" + id }
func buildLogKey(id string) string { return "buildlog:" + id }
func historyKey(id string) string  { return "target:" + id + ":buildlogs" }

// SaveBuildTarget creates or replaces a build target.
func (s *Redis) SaveBuildTarget(ctx context.Context, target *model.BuildTarget) error {
	if target.ID == "" {
		return errors.New("build target id is required")
	}
	target.UpdatedAt = s.now()
	data, err := json.Marshal(target)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, targetKey(target.ID), data, 0).Err()
}

// UpsertBuildTarget stores a new definition of a target inside a WATCH
// transaction. The run counter and live status of a stored target are kept,
// and so are its credentials when the definition leaves them empty and the
// repository URL is unchanged.
func (s *Redis) UpsertBuildTarget(ctx context.Context, in *model.BuildTarget) (*model.BuildTarget, error) {
	if in.ID == "" {
		return nil, errors.New("build target id is required")
	}
	return update(ctx, s.client, targetKey(in.ID), nil, func(t *model.BuildTarget) error {
		next := *in
		next.BuildNumber = t.BuildNumber
		next.Status = t.Status
		if next.Repository.URL == t.Repository.URL {
			if next.Repository.Password == "" {
				next.Repository.Password = t.Repository.Password
			}
			if next.Repository.PrivateKey == "" {
				next.Repository.PrivateKey = t.Repository.PrivateKey
			}
		}
		next.UpdatedAt = s.now()
		*t = next
		return nil
	})
}

func (s *Redis) GetBuildTarget(ctx context.Context, id string) (*model.BuildTarget, error) {
	var target model.BuildTarget
	if err := s.get(ctx, targetKey(id), &target, ErrTargetNotFound); err != nil {
		return nil, err
	}
	return &target, nil
}

func (s *Redis) SetBuildTargetStatus(ctx context.Context, id string, status model.Status) error {
	_, err := update(ctx, s.client, targetKey(id), ErrTargetNotFound, func(t *model.BuildTarget) error {
		t.Status = status
		t.UpdatedAt = s.now()
		return nil
	})
	return err
}

func (s *Redis) UpdateBuildTargetResultPath(ctx context.Context, id, path string) error {
	_, err := update(ctx, s.client, targetKey(id), ErrTargetNotFound, func(t *model.BuildTarget) error {
		t.Config.ResultPath = path
		t.UpdatedAt = s.now()
		return nil
	})
	return err
}

// NextBuildNumber increments and returns the run counter of a target.
func (s *Redis) NextBuildNumber(ctx context.Context, id string) (int, error) {
	t, err := update(ctx, s.client, targetKey(id), ErrTargetNotFound, func(t *model.BuildTarget) error {
		t.BuildNumber++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return t.BuildNumber, nil
}

// CreateBuildLog stores a new entry and indexes it under its target. An id is
// generated when the entry has none.
func (s *Redis) CreateBuildLog(ctx context.Context, entry *model.BuildLogEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, buildLogKey(entry.ID), data, 0)
	pipe.ZAdd(ctx, historyKey(entry.TargetID), &redis.Z{
		Score:  float64(entry.RunID),
		Member: entry.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// UpdateBuildLogStatus records a status change; the end time is stamped on
// the first terminal status.
func (s *Redis) UpdateBuildLogStatus(ctx context.Context, id string, status model.Status) error {
	_, err := update(ctx, s.client, buildLogKey(id), ErrBuildLogNotFound, func(e *model.BuildLogEntry) error {
		e.Status = status
		if status.Terminal() && e.EndTime == nil {
			now := s.now()
			e.EndTime = &now
		}
		return nil
	})
	return err
}

func (s *Redis) UpdateBuildLogResultPath(ctx context.Context, id, path string) error {
	_, err := update(ctx, s.client, buildLogKey(id), ErrBuildLogNotFound, func(e *model.BuildLogEntry) error {
		e.ResultPath = path
		return nil
	})
	return err
}

func (s *Redis) GetBuildLog(ctx context.Context, id string) (*model.BuildLogEntry, error) {
	var entry model.BuildLogEntry
	if err := s.get(ctx, buildLogKey(id), &entry, ErrBuildLogNotFound); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListBuildLogs returns up to limit entries of a target, newest run first.
func (s *Redis) ListBuildLogs(ctx context.Context, targetID string, limit int) ([]*model.BuildLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, historyKey(targetID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]*model.BuildLogEntry, 0, len(ids))
	if len(ids) == 0 {
		return entries, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = buildLogKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// index points at a deleted entry
			continue
		}
		var entry model.BuildLogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode build log: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (s *Redis) get(ctx context.Context, key string, v interface{}, notFound error) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return notFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// update applies mutate to the JSON value at key inside a WATCH transaction,
// retrying when another writer touched the key first. A missing key fails
// with notFound, or starts from the zero value when notFound is nil.
func update[T any](ctx context.Context, client *redis.Client, key string, notFound error, mutate func(*T) error) (*T, error) {
	var v T
	txf := func(tx *redis.Tx) error {
		v = *new(T)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil && notFound != nil:
			return notFound
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
		}
		if err := mutate(&v); err != nil {
			return err
		}
		out, err := json.Marshal(&v)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &v, nil
	}
	return nil, fmt.Errorf("update %s: too many concurrent writers", key)
}
