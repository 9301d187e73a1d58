// Package redis implements store.Store on Redis. States and objects are JSON
// strings; every state write is also published on a channel named after the
// state key so operators and other instances can follow changes.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ocpp_central/store"
)

const extendAttempts = 3

// Key patterns, formatted with the configured prefix and the state key.
const (
	statePattern  = "%s:state:%s"
	objectPattern = "%s:object:%s"
)

type RedisStore struct {
	client *redis.Client
	prefix string
}

func New(ctx context.Context, opts *redis.Options, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(err, "connecting to redis")
	}
	return &RedisStore{client: rdb, prefix: prefix}, nil
}

func (r *RedisStore) stateKey(key string) string {
	return fmt.Sprintf(statePattern, r.prefix, key)
}

func (r *RedisStore) objectKey(key string) string {
	return fmt.Sprintf(objectPattern, r.prefix, key)
}

func (r *RedisStore) GetValue(ctx context.Context, key string) (*store.State, error) {
	val, err := r.client.Get(ctx, r.stateKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting %s", key)
	}
	var state store.State
	if err := json.Unmarshal(val, &state); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", key)
	}
	return &state, nil
}

func (r *RedisStore) SetValue(ctx context.Context, key string, val interface{}, ack bool) error {
	state, err := store.NewState(val, ack)
	if err != nil {
		return err
	}
	return r.put(ctx, key, state)
}

func (r *RedisStore) put(ctx context.Context, key string, state store.State) error {
	bt, err := json.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.stateKey(key), bt, 0)
		pipe.Publish(ctx, r.stateKey(key), bt)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "putting %s", key)
	}
	return nil
}

func (r *RedisStore) SetValueIfChanged(ctx context.Context, key string, val interface{}, ack bool) (bool, error) {
	state, err := store.NewState(val, ack)
	if err != nil {
		return false, err
	}
	current, err := r.GetValue(ctx, key)
	if err != nil {
		return false, err
	}
	if store.Unchanged(current, state) {
		return false, nil
	}
	return true, r.put(ctx, key, state)
}

// ExtendObject merges def into the stored object inside a WATCH/MULTI
// transaction, retrying when another writer touched the key meanwhile.
func (r *RedisStore) ExtendObject(ctx context.Context, key string, def store.Object, preserve ...string) error {
	objectKey := r.objectKey(key)
	txf := func(tx *redis.Tx) error {
		existing, err := decodeObject(tx.Get(ctx, objectKey))
		if err != nil {
			return err
		}
		bt, err := json.Marshal(store.Extend(existing, def, key, preserve...))
		if err != nil {
			return errors.Wrapf(err, "encoding object %s", key)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, objectKey, bt, 0)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < extendAttempts; attempt++ {
		err = r.client.Watch(ctx, txf, objectKey)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return errors.Wrapf(err, "extending object %s", key)
	}
	return nil
}

func (r *RedisStore) GetObject(ctx context.Context, key string) (*store.Object, error) {
	return decodeObject(r.client.Get(ctx, r.objectKey(key)))
}

func decodeObject(cmd *redis.StringCmd) (*store.Object, error) {
	val, err := cmd.Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting object")
	}
	var obj store.Object
	if err := json.Unmarshal(val, &obj); err != nil {
		return nil, errors.Wrap(err, "decoding object")
	}
	return &obj, nil
}

// Subscribe pattern-subscribes to "<prefix>:state:*.<field>" for each field.
func (r *RedisStore) Subscribe(ctx context.Context, fields ...string) (<-chan store.Change, error) {
	patterns := make([]string, 0, len(fields))
	for _, field := range fields {
		patterns = append(patterns, r.stateKey("*."+field))
	}
	pubsub := r.client.PSubscribe(ctx, patterns...)
	// Wait for the subscription confirmation so no write after Subscribe
	// returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrap(err, "subscribing to state changes")
	}

	ch := make(chan store.Change, 16)
	go func() {
		defer func() {
			pubsub.Close()
			close(ch)
		}()
		messages := pubsub.Channel()
		statePrefix := r.stateKey("")
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var state store.State
				if err := json.Unmarshal([]byte(msg.Payload), &state); err != nil {
					log.Warnf("ignoring malformed state on %s: %v", msg.Channel, err)
					continue
				}
				change := store.NewChange(strings.TrimPrefix(msg.Channel, statePrefix), state)
				select {
				case ch <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ store.Store = (*RedisStore)(nil)
