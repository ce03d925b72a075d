package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"kasirinaja/kiosk/internal/apperrors"
)

// Record is one JSON document of a collection.
type Record = json.RawMessage

// Store is the local durable record store. Every component of the kiosk
// reaches persisted state only through this contract.
type Store interface {
	Put(ctx context.Context, collection string, rec Record) error
	Get(ctx context.Context, collection string, key string) (Record, error)
	GetAll(ctx context.Context, collection string) ([]Record, error)
	// GetByIndex returns records whose indexed field equals value. An index
	// the collection does not declare is served by a full scan filtering on
	// the field path of the same name.
	GetByIndex(ctx context.Context, collection string, index string, value string) ([]Record, error)
	Delete(ctx context.Context, collection string, key string) error
	Clear(ctx context.Context, collection string) error
}

type Index struct {
	Name string
	Path string
}

type Collection struct {
	Name    string
	Key     []string
	Indexes []Index
}

func (c Collection) Index(name string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

type Schema map[string]Collection

func (s Schema) Collection(name string) (Collection, error) {
	def, ok := s[name]
	if !ok {
		return Collection{}, &apperrors.SchemaError{Collection: name, Reason: "collection not declared"}
	}
	return def, nil
}

const compositeSeparator = "|"

func CompositeKey(parts ...string) string {
	return strings.Join(parts, compositeSeparator)
}

// Document is a decoded record with its primary key resolved.
type Document struct {
	Key    string
	Fields map[string]any
}

// Decode parses rec and resolves the primary key declared by c. Records
// missing a key field are rejected with a SchemaError.
func (c Collection) Decode(rec Record) (Document, error) {
	fields, err := decodeFields(rec)
	if err != nil {
		return Document{}, &apperrors.SchemaError{Collection: c.Name, Reason: err.Error()}
	}
	if len(c.Key) == 0 {
		return Document{}, &apperrors.SchemaError{Collection: c.Name, Reason: "no key fields declared"}
	}
	parts := make([]string, 0, len(c.Key))
	for _, path := range c.Key {
		val, ok := FieldString(fields, path)
		if !ok || strings.TrimSpace(val) == "" {
			return Document{}, &apperrors.SchemaError{Collection: c.Name, Reason: fmt.Sprintf("missing key field %q", path)}
		}
		parts = append(parts, val)
	}
	return Document{Key: CompositeKey(parts...), Fields: fields}, nil
}

// IndexValues extracts every declared index value present in the document.
func (c Collection) IndexValues(doc Document) map[string]string {
	values := make(map[string]string, len(c.Indexes))
	for _, idx := range c.Indexes {
		if val, ok := FieldString(doc.Fields, idx.Path); ok {
			values[idx.Name] = val
		}
	}
	return values
}

// FieldPath resolves the path used to filter an index, falling back to the
// index name itself for undeclared indexes.
func (c Collection) FieldPath(index string) string {
	if idx, ok := c.Index(index); ok {
		return idx.Path
	}
	return index
}

// Matches reports whether the field at path equals value.
func Matches(rec Record, path string, value string) bool {
	fields, err := decodeFields(rec)
	if err != nil {
		return false
	}
	got, ok := FieldString(fields, path)
	return ok && got == value
}

// FieldString walks a dotted path and renders scalar leaves as strings.
func FieldString(fields map[string]any, path string) (string, bool) {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	case json.Number:
		return v.String(), true
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(payload), true
	}
}

func decodeFields(rec Record) (map[string]any, error) {
	if len(bytes.TrimSpace(rec)) == 0 {
		return nil, fmt.Errorf("empty record")
	}
	dec := json.NewDecoder(bytes.NewReader(rec))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("record is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("record is null")
	}
	return fields, nil
}

func Save(ctx context.Context, s Store, collection string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", collection, err)
	}
	return s.Put(ctx, collection, payload)
}

func Load[T any](ctx context.Context, s Store, collection string, key string) (T, error) {
	var out T
	rec, err := s.Get(ctx, collection, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(rec, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return out, nil
}

func LoadAll[T any](ctx context.Context, s Store, collection string) ([]T, error) {
	recs, err := s.GetAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](collection, recs)
}

func LoadByIndex[T any](ctx context.Context, s Store, collection string, index string, value string) ([]T, error) {
	recs, err := s.GetByIndex(ctx, collection, index, value)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](collection, recs)
}

func decodeAll[T any](collection string, recs []Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec, &v); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", collection, err)
		}
		out = append(out, v)
	}
	return out, nil
}
