// Package natskv implements store.Store on a NATS JetStream key/value bucket.
package natskv

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ocpp_central/store"
)

const (
	statePrefix  = "state."
	objectPrefix = "object."

	extendAttempts = 3
)

type NatsStore struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

// New connects to natsURL and opens (creating it when missing) bucket.
func New(ctx context.Context, natsURL, bucket string) (*NatsStore, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to nats")
	}
	s, err := NewFromConn(ctx, nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

// NewFromConn opens bucket on an existing connection. Close closes nc.
func NewFromConn(ctx context.Context, nc *nats.Conn, bucket string) (*NatsStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Wrap(err, "creating jetstream context")
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "OCPP central system state",
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating kv bucket %s", bucket)
	}
	return &NatsStore{nc: nc, kv: kv}, nil
}

func (n *NatsStore) GetValue(ctx context.Context, key string) (*store.State, error) {
	entry, err := n.kv.Get(ctx, statePrefix+key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting %s", key)
	}
	var state store.State
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", key)
	}
	return &state, nil
}

func (n *NatsStore) SetValue(ctx context.Context, key string, val interface{}, ack bool) error {
	state, err := store.NewState(val, ack)
	if err != nil {
		return err
	}
	return n.put(ctx, key, state)
}

func (n *NatsStore) put(ctx context.Context, key string, state store.State) error {
	bt, err := json.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	if _, err := n.kv.Put(ctx, statePrefix+key, bt); err != nil {
		return errors.Wrapf(err, "putting %s", key)
	}
	return nil
}

func (n *NatsStore) SetValueIfChanged(ctx context.Context, key string, val interface{}, ack bool) (bool, error) {
	state, err := store.NewState(val, ack)
	if err != nil {
		return false, err
	}
	current, err := n.GetValue(ctx, key)
	if err != nil {
		return false, err
	}
	if store.Unchanged(current, state) {
		return false, nil
	}
	return true, n.put(ctx, key, state)
}

// ExtendObject merges def into the stored object with a compare-and-set on
// the entry revision, so concurrent provisioning of the same key never loses
// a native field.
func (n *NatsStore) ExtendObject(ctx context.Context, key string, def store.Object, preserve ...string) error {
	var lastErr error
	for attempt := 0; attempt < extendAttempts; attempt++ {
		existing, revision, err := n.getObject(ctx, key)
		if err != nil {
			return err
		}
		bt, err := json.Marshal(store.Extend(existing, def, key, preserve...))
		if err != nil {
			return errors.Wrapf(err, "encoding object %s", key)
		}
		if existing == nil {
			_, lastErr = n.kv.Create(ctx, objectPrefix+key, bt)
		} else {
			_, lastErr = n.kv.Update(ctx, objectPrefix+key, bt, revision)
		}
		if lastErr == nil {
			return nil
		}
	}
	return errors.Wrapf(lastErr, "extending object %s", key)
}

func (n *NatsStore) GetObject(ctx context.Context, key string) (*store.Object, error) {
	obj, _, err := n.getObject(ctx, key)
	return obj, err
}

func (n *NatsStore) getObject(ctx context.Context, key string) (*store.Object, uint64, error) {
	entry, err := n.kv.Get(ctx, objectPrefix+key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "getting object %s", key)
	}
	var obj store.Object
	if err := json.Unmarshal(entry.Value(), &obj); err != nil {
		return nil, 0, errors.Wrapf(err, "decoding object %s", key)
	}
	return &obj, entry.Revision(), nil
}

// Subscribe starts one KV watcher per field on "state.*.<field>".
func (n *NatsStore) Subscribe(ctx context.Context, fields ...string) (<-chan store.Change, error) {
	watchers := make([]jetstream.KeyWatcher, 0, len(fields))
	for _, field := range fields {
		watcher, err := n.kv.Watch(ctx, statePrefix+"*."+field, jetstream.UpdatesOnly())
		if err != nil {
			for _, w := range watchers {
				_ = w.Stop()
			}
			return nil, errors.Wrapf(err, "watching %s", field)
		}
		watchers = append(watchers, watcher)
	}

	ch := make(chan store.Change, 16)
	var wg sync.WaitGroup
	for _, watcher := range watchers {
		wg.Add(1)
		go func(watcher jetstream.KeyWatcher) {
			defer wg.Done()
			n.handleWatchUpdates(ctx, watcher, ch)
		}(watcher)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch, nil
}

func (n *NatsStore) handleWatchUpdates(ctx context.Context, watcher jetstream.KeyWatcher, ch chan<- store.Change) {
	defer func() {
		if err := watcher.Stop(); err != nil {
			log.Debugf("failed to stop kv watcher: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			// nil marks the end of the initial values.
			if entry == nil || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			var state store.State
			if err := json.Unmarshal(entry.Value(), &state); err != nil {
				log.Warnf("ignoring malformed state %s: %v", entry.Key(), err)
				continue
			}
			change := store.NewChange(strings.TrimPrefix(entry.Key(), statePrefix), state)
			select {
			case ch <- change:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (n *NatsStore) Close() error {
	n.nc.Close()
	return nil
}

var _ store.Store = (*NatsStore)(nil)
