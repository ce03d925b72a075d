package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/store"
)

// Store keeps records in process memory. It honours the same contract as
// the durable backends and is used by tests and the dev mode of the kiosk.
type Store struct {
	schema      store.Schema
	collections map[string]*collection
}

type collection struct {
	mu      sync.RWMutex
	def     store.Collection
	records map[string]store.Record
	// index name -> value -> set of keys
	indexes map[string]map[string]map[string]struct{}
	// index name -> key -> value, so a rewrite can drop the old entry
	reverse map[string]map[string]string
}

func New(schema store.Schema) *Store {
	s := &Store{
		schema:      schema,
		collections: make(map[string]*collection, len(schema)),
	}
	for name, def := range schema {
		c := &collection{
			def:     def,
			records: make(map[string]store.Record),
			indexes: make(map[string]map[string]map[string]struct{}, len(def.Indexes)),
			reverse: make(map[string]map[string]string, len(def.Indexes)),
		}
		for _, idx := range def.Indexes {
			c.indexes[idx.Name] = make(map[string]map[string]struct{})
			c.reverse[idx.Name] = make(map[string]string)
		}
		s.collections[name] = c
	}
	return s
}

func NewKiosk() *Store {
	return New(store.KioskSchema())
}

func (s *Store) collection(name string) (*collection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, &apperrors.SchemaError{Collection: name, Reason: "collection not declared"}
	}
	return c, nil
}

func (s *Store) Put(ctx context.Context, name string, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := s.collection(name)
	if err != nil {
		return err
	}
	doc, err := c.def.Decode(rec)
	if err != nil {
		return err
	}
	values := c.def.IndexValues(doc)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.unindex(doc.Key)
	c.records[doc.Key] = bytes.Clone(rec)
	for idxName, val := range values {
		bucket, ok := c.indexes[idxName][val]
		if !ok {
			bucket = make(map[string]struct{})
			c.indexes[idxName][val] = bucket
		}
		bucket[doc.Key] = struct{}{}
		c.reverse[idxName][doc.Key] = val
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string, key string) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[key]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return bytes.Clone(rec), nil
}

func (s *Store) GetAll(ctx context.Context, name string) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.records))
	for key := range c.records {
		keys = append(keys, key)
	}
	return c.cloneSorted(keys), nil
}

func (s *Store) GetByIndex(ctx context.Context, name string, index string, value string) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if values, ok := c.indexes[index]; ok {
		bucket := values[value]
		keys := make([]string, 0, len(bucket))
		for key := range bucket {
			keys = append(keys, key)
		}
		return c.cloneSorted(keys), nil
	}

	path := c.def.FieldPath(index)
	keys := make([]string, 0)
	for key, rec := range c.records {
		if store.Matches(rec, path, value) {
			keys = append(keys, key)
		}
	}
	return c.cloneSorted(keys), nil
}

func (s *Store) Delete(ctx context.Context, name string, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := s.collection(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.unindex(key)
	delete(c.records, key)
	return nil
}

func (s *Store) Clear(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := s.collection(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = make(map[string]store.Record)
	for idxName := range c.indexes {
		c.indexes[idxName] = make(map[string]map[string]struct{})
		c.reverse[idxName] = make(map[string]string)
	}
	return nil
}

func (c *collection) unindex(key string) {
	for idxName, byKey := range c.reverse {
		old, ok := byKey[key]
		if !ok {
			continue
		}
		delete(byKey, key)
		if bucket := c.indexes[idxName][old]; bucket != nil {
			delete(bucket, key)
			if len(bucket) == 0 {
				delete(c.indexes[idxName], old)
			}
		}
	}
}

func (c *collection) cloneSorted(keys []string) []store.Record {
	sort.Strings(keys)
	out := make([]store.Record, 0, len(keys))
	for _, key := range keys {
		out = append(out, bytes.Clone(c.records[key]))
	}
	return out
}
