package store

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store with the same single-item atomicity and
// conditional-write semantics as the Postgres implementation. Tests and the
// seed CLI run against it.
type Memory struct {
	mu    sync.Mutex
	items map[Key]*memItem
}

type memItem struct {
	kind      Kind
	indexKey  Key
	indexed   bool
	version   int64
	payload   []byte
	createdAt time.Time
	updatedAt time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[Key]*memItem)}
}

func (m *Memory) Put(ctx context.Context, e Entity) error {
	payload, err := encodeEntity(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.PrimaryKey()
	now := time.Now().UTC()
	if old, ok := m.items[key]; ok {
		old.kind = e.EntityKind()
		old.indexKey, old.indexed = e.IndexKey()
		old.version++
		old.payload = payload
		old.updatedAt = now
		return nil
	}
	m.items[key] = newMemItem(e, payload, now)
	return nil
}

func (m *Memory) Create(ctx context.Context, e Entity) error {
	payload, err := encodeEntity(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.PrimaryKey()
	if _, ok := m.items[key]; ok {
		return fmt.Errorf("%s/%s: %w", key.Partition, key.Sort, ErrConflict)
	}
	m.items[key] = newMemItem(e, payload, time.Now().UTC())
	return nil
}

func (m *Memory) Get(ctx context.Context, key Key) (Record, error) {
	m.mu.Lock()
	item, ok := m.items[key]
	if !ok {
		m.mu.Unlock()
		return Record{Key: key}, fmt.Errorf("%s/%s: %w", key.Partition, key.Sort, ErrNotFound)
	}
	rec, err := item.record(key)
	m.mu.Unlock()
	return rec, err
}

func (m *Memory) Update(ctx context.Context, e Entity, expectedVersion int64) error {
	payload, err := encodeEntity(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.PrimaryKey()
	item, ok := m.items[key]
	if !ok || item.version != expectedVersion {
		return fmt.Errorf("%s/%s: %w", key.Partition, key.Sort, ErrVersionConflict)
	}
	item.kind = e.EntityKind()
	item.indexKey, item.indexed = e.IndexKey()
	item.version++
	item.payload = payload
	item.updatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Query(ctx context.Context, q Query) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		type hit struct {
			key  Key
			sort string
		}
		m.mu.Lock()
		var hits []hit
		for key, item := range m.items {
			qkey := key
			if q.Index {
				if !item.indexed {
					continue
				}
				qkey = item.indexKey
			}
			if qkey.Partition != q.Partition || !sortMatches(qkey.Sort, q) {
				continue
			}
			hits = append(hits, hit{key: key, sort: qkey.Sort})
		}
		m.mu.Unlock()

		sort.Slice(hits, func(i, j int) bool {
			if q.Descending {
				return hits[i].sort > hits[j].sort
			}
			return hits[i].sort < hits[j].sort
		})
		if q.Limit > 0 && len(hits) > q.Limit {
			hits = hits[:q.Limit]
		}
		for _, h := range hits {
			rec, err := m.Get(ctx, h.key)
			if err != nil {
				// Deleted between snapshot and read; skip.
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func sortMatches(sk string, q Query) bool {
	if q.SortPrefix != "" {
		return strings.HasPrefix(sk, q.SortPrefix)
	}
	if q.SortFrom != "" && sk < q.SortFrom {
		return false
	}
	if q.SortTo != "" && sk > q.SortTo {
		return false
	}
	return true
}

func newMemItem(e Entity, payload []byte, now time.Time) *memItem {
	item := &memItem{
		kind:      e.EntityKind(),
		version:   1,
		payload:   payload,
		createdAt: now,
		updatedAt: now,
	}
	item.indexKey, item.indexed = e.IndexKey()
	return item
}

func (it *memItem) record(key Key) (Record, error) {
	entity, err := decodeEntity(it.kind, it.payload)
	if err != nil {
		return Record{Key: key}, err
	}
	return Record{
		Key:       key,
		Kind:      it.kind,
		Version:   it.version,
		CreatedAt: it.createdAt,
		UpdatedAt: it.updatedAt,
		Entity:    entity,
	}, nil
}
