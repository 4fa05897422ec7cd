package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Client with the same semantics as the Redis/NATS
// client. It backs tests and single-node development setups. Notifications
// are delivered synchronously on the mutating call.
type Memory struct {
	mu          sync.RWMutex
	closed      bool
	collections map[string]map[string]json.RawMessage
	subs        map[string]memSub
}

type memSub struct {
	filter Filter
	fn     LiveHandler
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]json.RawMessage),
		subs:        make(map[string]memSub),
	}
}

func (m *Memory) Create(ctx context.Context, collection string, doc any) error {
	raw, decoded, id, err := encodeDoc(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClientClosed
	}
	coll := m.collections[collection]
	if coll == nil {
		coll = make(map[string]json.RawMessage)
		m.collections[collection] = coll
	}
	coll[id] = raw
	subs := m.matchingSubs(collection, decoded)
	m.mu.Unlock()

	notify(subs, Notification{Event: EventCreate, Collection: collection, Record: raw})
	return ctx.Err()
}

func (m *Memory) Query(ctx context.Context, f Filter, dest any) error {
	if err := f.validate(); err != nil {
		return err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClientClosed
	}
	var docs []map[string]any
	for _, raw := range m.collections[f.Collection] {
		doc, ok := decodeDoc(raw)
		if !ok || !f.Matches(doc) {
			continue
		}
		docs = append(docs, doc)
	}
	m.mu.RUnlock()

	docs = applyOrderLimit(docs, f)
	return remarshal(docs, dest)
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClientClosed
	}
	raw, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	doc, ok := decodeDoc(raw)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("corrupt record %s/%s", collection, id)
	}
	for k, v := range fields {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.collections[collection][id] = merged
	subs := m.matchingSubs(collection, doc)
	m.mu.Unlock()

	notify(subs, Notification{Event: EventUpdate, Collection: collection, Record: merged})
	return ctx.Err()
}

func (m *Memory) Delete(ctx context.Context, f Filter) (int, error) {
	if err := f.validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClientClosed
	}
	removed := 0
	for id, raw := range m.collections[f.Collection] {
		doc, ok := decodeDoc(raw)
		if !ok || !f.Matches(doc) {
			continue
		}
		delete(m.collections[f.Collection], id)
		removed++
	}
	m.mu.Unlock()
	return removed, ctx.Err()
}

func (m *Memory) Live(ctx context.Context, f Filter, fn LiveHandler) (string, error) {
	if err := f.validate(); err != nil {
		return "", err
	}
	if fn == nil {
		return "", fmt.Errorf("%w: nil handler", ErrInvalidFilter)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClientClosed
	}
	subID := uuid.New().String()
	m.subs[subID] = memSub{filter: f, fn: fn}
	return subID, nil
}

func (m *Memory) Kill(ctx context.Context, subID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, subID)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string]memSub)
	return nil
}

// matchingSubs is called with the mutex held and returns handlers to invoke
// after it is released.
func (m *Memory) matchingSubs(collection string, doc map[string]any) []LiveHandler {
	var fns []LiveHandler
	for _, sub := range m.subs {
		if sub.filter.Collection == collection && sub.filter.Matches(doc) {
			fns = append(fns, sub.fn)
		}
	}
	return fns
}

func notify(fns []LiveHandler, n Notification) {
	for _, fn := range fns {
		fn(n)
	}
}

func encodeDoc(doc any) (json.RawMessage, map[string]any, string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, "", err
	}
	decoded, ok := decodeDoc(raw)
	if !ok {
		return nil, nil, "", fmt.Errorf("document is not a JSON object")
	}
	id, ok := docID(decoded)
	if !ok {
		return nil, nil, "", ErrMissingID
	}
	return raw, decoded, id, nil
}

func remarshal(docs []map[string]any, dest any) error {
	if dest == nil {
		return ErrInvalidDest
	}
	buf, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(buf, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDest, err)
	}
	return nil
}
