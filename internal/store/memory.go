package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/weave/pkg/schema"
)

// MemoryStore is an in-process DefinitionStore. Definitions are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

var _ DefinitionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record)}
}

func (m *MemoryStore) Put(_ context.Context, def *schema.WorkflowDefinition) (*Record, error) {
	if err := invalidDefinition(def); err != nil {
		return nil, err
	}
	cp, err := copyDefinition(def)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := m.recs[def.ID]
	if ok {
		rec = &Record{Definition: cp, Version: rec.Version + 1, CreatedAt: rec.CreatedAt, UpdatedAt: now}
	} else {
		rec = &Record{Definition: cp, Version: 1, CreatedAt: now, UpdatedAt: now}
	}
	m.recs[def.ID] = rec
	return copyRecord(rec)
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	rec, ok := m.recs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return copyRecord(rec)
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Record, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.recs))
	for id := range m.recs {
		if strings.HasPrefix(id, filter.Prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if filter.Limit > 0 && len(ids) > filter.Limit {
		ids = ids[:filter.Limit]
	}
	recs := make([]*Record, len(ids))
	for i, id := range ids {
		recs[i] = m.recs[id]
	}
	m.mu.RUnlock()

	out := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		cp, err := copyRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return notFound(id)
	}
	delete(m.recs, id)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func copyRecord(rec *Record) (*Record, error) {
	def, err := copyDefinition(rec.Definition)
	if err != nil {
		return nil, err
	}
	cp := *rec
	cp.Definition = def
	return &cp, nil
}

func copyDefinition(def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	body, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "copy definition").WithCause(err)
	}
	out := &schema.WorkflowDefinition{}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "copy definition").WithCause(err)
	}
	return out, nil
}
