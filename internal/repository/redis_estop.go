package repository

import (
	"context"
	"encoding/json"

	"github.com/FireDesk/firegate/internal/estop"
)

// RedisEstopRepo keeps stop state in Redis for deployments without a
// relational store. Same record shape as the Postgres repo.
type RedisEstopRepo struct {
	client *RedisClient
	prefix string
}

func NewRedisEstopRepo(client *RedisClient) *RedisEstopRepo {
	return &RedisEstopRepo{client: client, prefix: "estop:"}
}

func (r *RedisEstopRepo) Save(ctx context.Context, rec estop.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Client.Set(ctx, r.prefix+rec.Scope, payload, 0).Err()
}

func (r *RedisEstopRepo) Load(ctx context.Context) ([]estop.Record, error) {
	keys, err := r.client.Client.Keys(ctx, r.prefix+"*").Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]estop.Record, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec estop.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
