package sapgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// SubscriptionStore keeps push subscriptions, unique by endpoint.
type SubscriptionStore interface {
	// Add stores sub and reports whether it was new.
	Add(ctx context.Context, sub Subscription) (bool, error)
	List(ctx context.Context) ([]Subscription, error)
	// Remove deletes the given endpoints and reports how many existed.
	Remove(ctx context.Context, endpoints ...string) (int, error)
	Close() error
}

func OpenSubscriptionStore(cfg PushConfig) (SubscriptionStore, error) {
	switch cfg.Store {
	case "", "memory":
		return newMemoryStore(), nil
	case "leveldb":
		return openLevelStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown subscription store %q", cfg.Store)
	}
}

// ---- memory ----

type memoryStore struct {
	mu   sync.Mutex
	subs []Subscription
}

func newMemoryStore() *memoryStore { return &memoryStore{} }

func (m *memoryStore) Add(_ context.Context, sub Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.Endpoint == sub.Endpoint {
			return false, nil
		}
	}
	m.subs = append(m.subs, sub)
	return true, nil
}

func (m *memoryStore) List(_ context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, len(m.subs))
	copy(out, m.subs)
	return out, nil
}

func (m *memoryStore) Remove(_ context.Context, endpoints ...string) (int, error) {
	drop := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		drop[e] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.subs[:0]
	removed := 0
	for _, s := range m.subs {
		if _, ok := drop[s.Endpoint]; ok {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.subs = kept
	return removed, nil
}

func (m *memoryStore) Close() error { return nil }

// ---- leveldb ----

const subPrefix = "s:"

// levelStore persists subscriptions so they survive restarts. Values are the
// JSON subscription under "s:<endpoint>".
type levelStore struct {
	db *leveldb.DB
	mu sync.Mutex // serializes check-then-put in Add
}

func openLevelStore(path string) (*levelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open subscription store %s: %w", path, err)
	}
	return &levelStore{db: db}, nil
}

func (l *levelStore) Add(_ context.Context, sub Subscription) (bool, error) {
	key := []byte(subPrefix + sub.Endpoint)
	b, err := json.Marshal(sub)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(key, nil)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if err := l.db.Put(key, b, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (l *levelStore) List(_ context.Context) ([]Subscription, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(subPrefix)), nil)
	defer it.Release()

	var out []Subscription
	for it.Next() {
		var s Subscription
		if err := json.Unmarshal(it.Value(), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *levelStore) Remove(_ context.Context, endpoints ...string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	removed := 0
	seen := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		key := []byte(subPrefix + e)
		ok, err := l.db.Has(key, nil)
		if err != nil {
			return 0, err
		}
		if ok {
			batch.Delete(key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := l.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return removed, nil
}

func (l *levelStore) Close() error {
	err := l.db.Close()
	if errors.Is(err, leveldb.ErrClosed) {
		return nil
	}
	return err
}
