package store

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

const subscriptionBuffer = 64

type subscription struct {
	mu     sync.Mutex
	fields []string
	ch     chan Change
	closed bool
}

func (s *subscription) deliver(change Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- change:
	default:
		// Subscribers may write to the store themselves; never block them.
		log.Warnf("subscriber too slow, dropping change of %s", change.Key)
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// MemoryStore keeps states and objects in process memory. It backs tests and
// single node deployments that do not need the state to survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	states  map[string]State
	objects map[string]Object
	subs    map[*subscription]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  map[string]State{},
		objects: map[string]Object{},
		subs:    map[*subscription]struct{}{},
	}
}

func (m *MemoryStore) GetValue(_ context.Context, key string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (m *MemoryStore) SetValue(ctx context.Context, key string, val interface{}, ack bool) error {
	state, err := NewState(val, ack)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.states[key] = state
	m.mu.Unlock()

	m.publish(key, state)
	return nil
}

func (m *MemoryStore) SetValueIfChanged(ctx context.Context, key string, val interface{}, ack bool) (bool, error) {
	state, err := NewState(val, ack)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	if current, ok := m.states[key]; ok && Unchanged(&current, state) {
		m.mu.Unlock()
		return false, nil
	}
	m.states[key] = state
	m.mu.Unlock()

	m.publish(key, state)
	return true, nil
}

func (m *MemoryStore) ExtendObject(_ context.Context, key string, def Object, preserve ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *Object
	if obj, ok := m.objects[key]; ok {
		existing = &obj
	}
	m.objects[key] = Extend(existing, def, key, preserve...)
	return nil
}

func (m *MemoryStore) GetObject(_ context.Context, key string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	return &obj, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, fields ...string) (<-chan Change, error) {
	sub := &subscription{
		fields: fields,
		ch:     make(chan Change, subscriptionBuffer),
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

func (m *MemoryStore) publish(key string, state State) {
	m.mu.RLock()
	var targets []*subscription
	for sub := range m.subs {
		if MatchesField(key, sub.fields) {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	change := NewChange(key, state)
	for _, sub := range targets {
		sub.deliver(change)
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
