package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry is a keyed-store Registry backend intended for
// multi-controller / HA use (spec.md §4.1 "Remote keyed store backend").
// Each job is one Redis string key holding the JSON-encoded Record; the
// conditional Update uses WATCH/MULTI/EXEC, Redis's equivalent of a
// single-row compare-and-swap on version. A secondary per-state set index
// is maintained alongside every write (inside the same transaction on
// Update, as a separate SADD after the SETNX on Create) so ListByState is a
// single SMEMBERS instead of a full keyspace scan.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

// NewRedisRegistry creates a registry backed by the given Redis client.
// keyPrefix namespaces all keys (e.g. the configured registry_table).
func NewRedisRegistry(client *redis.Client, keyPrefix string) *RedisRegistry {
	if keyPrefix == "" {
		keyPrefix = "spotmigrate"
	}
	return &RedisRegistry{client: client, prefix: keyPrefix}
}

func (r *RedisRegistry) recordKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", r.prefix, jobID)
}

func (r *RedisRegistry) stateKey(state State) string {
	return fmt.Sprintf("%s:state:%s", r.prefix, state)
}

func (r *RedisRegistry) Get(ctx context.Context, jobID string) (*Record, error) {
	data, err := r.client.Get(ctx, r.recordKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: redis get failed: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("registry: failed to decode record: %w", err)
	}
	return &rec, nil
}

func (r *RedisRegistry) Create(ctx context.Context, jobID string, attrs Attrs) (*Record, error) {
	rec := &Record{
		JobID:       jobID,
		State:       StateRunning,
		Version:     0,
		LastUpdated: time.Now().UTC(),
	}
	mergeAttrs(rec, attrs)

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to encode record: %w", err)
	}

	key := r.recordKey(jobID)
	ok, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: redis setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyExists
	}

	if err := r.client.SAdd(ctx, r.stateKey(rec.State), jobID).Err(); err != nil {
		return nil, fmt.Errorf("registry: failed to update state index: %w", err)
	}

	return rec, nil
}

// Update performs a WATCH/MULTI/EXEC optimistic transaction: if
// expectedVersion is supplied, the write is only committed if the stored
// version still matches after WATCH observes no external change between
// read and commit. When expectedVersion is nil, the current version is read
// and the compare-and-swap retries against whatever version is current,
// internally, up to a small bound, so concurrent callers never corrupt the
// record even without an explicit expected version.
func (r *RedisRegistry) Update(ctx context.Context, jobID string, state State, expectedVersion *int64, attrs Attrs) (*Record, error) {
	key := r.recordKey(jobID)

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var result *Record
		txErr := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("registry: redis get failed: %w", err)
			}

			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("registry: failed to decode record: %w", err)
			}

			if expectedVersion != nil && rec.Version != *expectedVersion {
				return ErrConcurrencyConflict
			}

			prevState := rec.State
			rec.State = state
			mergeAttrs(&rec, attrs)
			rec.Version++
			rec.LastUpdated = time.Now().UTC()

			newData, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("registry: failed to encode record: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, newData, 0)
				if prevState != rec.State {
					pipe.SRem(ctx, r.stateKey(prevState), jobID)
					pipe.SAdd(ctx, r.stateKey(rec.State), jobID)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("registry: redis transaction failed: %w", err)
			}

			result = &rec
			return nil
		}, key)

		switch {
		case txErr == nil:
			return result, nil
		case txErr == ErrNotFound, txErr == ErrConcurrencyConflict:
			return nil, txErr
		case txErr == redis.TxFailedErr:
			// Another writer committed between WATCH and EXEC; retry only
			// makes sense when the caller didn't pin an expected version.
			if expectedVersion != nil {
				return nil, ErrConcurrencyConflict
			}
			continue
		default:
			return nil, txErr
		}
	}
	return nil, fmt.Errorf("registry: update retry budget exhausted for job %s", jobID)
}

func (r *RedisRegistry) ListByState(ctx context.Context, state State) ([]*Record, error) {
	jobIDs, err := r.client.SMembers(ctx, r.stateKey(state)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: redis smembers failed: %w", err)
	}

	out := make([]*Record, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		rec, err := r.Get(ctx, jobID)
		if err == ErrNotFound {
			// Index and record can briefly disagree after a crash between
			// the two pipelined writes; skip rather than fail the whole
			// scan.
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.State == state {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
