package backend

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/helpdesk/backend/internal/apperr"
)

// Memory is an in-process Facade used for local development and tests.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Fields
	subs        map[string]map[uint64]*Signal
	nextSub     uint64
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]Fields),
		subs:        make(map[string]map[uint64]*Signal),
	}
}

// GetDocument returns a copy of the stored document.
func (m *Memory) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.collections[collection][id]
	if !ok {
		return nil, notFound(collection, id)
	}
	return &Document{ID: id, Fields: cloneFields(fields)}, nil
}

// UpsertDocument writes fields under id, merging with the stored document when opts.Merge is set.
func (m *Memory) UpsertDocument(ctx context.Context, collection, id string, fields Fields, opts UpsertOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	coll := m.collection(collection)
	existing, ok := coll[id]
	if !ok || !opts.Merge {
		existing = Fields{}
	}
	for k, v := range fields {
		existing[k] = cloneValue(v)
	}
	coll[id] = existing
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

// InsertDocument stores fields under a new random id.
func (m *Memory) InsertDocument(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.collection(collection)[id] = cloneFields(fields)
	m.mu.Unlock()

	m.notify(collection)
	return id, nil
}

// UpdateDocument patches an existing document. ArrayUnion values append missing elements.
func (m *Memory) UpdateDocument(ctx context.Context, collection, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	existing, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return notFound(collection, id)
	}
	for k, v := range fields {
		union, isUnion := v.(ArrayUnion)
		if !isUnion {
			existing[k] = cloneValue(v)
			continue
		}
		list, _ := existing[k].([]any)
		for _, elem := range union {
			if !containsValue(list, elem) {
				list = append(list, cloneValue(elem))
			}
		}
		existing[k] = list
	}
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

// Query returns the matching documents in query order.
func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	docs := make([]Document, 0, len(m.collections[collection]))
	for id, fields := range m.collections[collection] {
		docs = append(docs, Document{ID: id, Fields: cloneFields(fields)})
	}
	m.mu.RUnlock()
	return q.Apply(docs), nil
}

// Subscribe watches the query until ctx is done or the returned CancelFunc is called.
func (m *Memory) Subscribe(ctx context.Context, collection string, q Query, onChange ChangeFunc, onError ErrorFunc) (CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	signal := NewSignal()

	m.mu.Lock()
	m.nextSub++
	subID := m.nextSub
	if m.subs[collection] == nil {
		m.subs[collection] = make(map[uint64]*Signal)
	}
	m.subs[collection][subID] = signal
	m.mu.Unlock()

	context.AfterFunc(watchCtx, func() {
		m.mu.Lock()
		delete(m.subs[collection], subID)
		m.mu.Unlock()
	})

	fetch := func(ctx context.Context) ([]Document, error) { return m.Query(ctx, collection, q) }
	go Watch(watchCtx, fetch, signal.C(), nil, onChange, onError)

	return CancelFunc(cancel), nil
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) collection(name string) map[string]Fields {
	coll, ok := m.collections[name]
	if !ok {
		coll = make(map[string]Fields)
		m.collections[name] = coll
	}
	return coll
}

func (m *Memory) notify(collection string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs[collection] {
		s.Notify()
	}
}

func notFound(collection, id string) error {
	return apperr.NotFound("document_not_found", fmt.Sprintf("%s/%s not found", collection, id))
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if reflect.DeepEqual(normalize(item), normalize(v)) {
			return true
		}
	}
	return false
}

// normalize makes map and time values comparable with DeepEqual.
func normalize(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case Fields:
		return normalize(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}

func cloneFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Fields:
		return map[string]any(cloneFields(t))
	case map[string]any:
		return map[string]any(cloneFields(t))
	case ArrayUnion:
		return cloneValue([]any(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
