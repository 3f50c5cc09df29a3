package store

import (
	"context"
	"fmt"
)

// Relation is a named one-to-many link from a parent entity to the entities
// of another table whose index holds the parent's id.
type Relation interface {
	Name() string
	// load returns the related items grouped by parent id.
	load(ctx context.Context, parentIDs []string) (map[string]any, error)
}

type hasMany[R Entity] struct {
	name   string
	target *Table[R]
	index  string
}

// HasMany declares relation name as the entities of target whose index
// equals the parent id.
func HasMany[R Entity](name string, target *Table[R], index string) (Relation, error) {
	if _, ok := target.slots[index]; !ok {
		return nil, &UnsupportedIndexError{Type: target.schema.Type, Index: index}
	}
	if target.slots[index].global {
		return nil, fmt.Errorf("store: relation %s must use a local index", name)
	}
	return &hasMany[R]{name: name, target: target, index: index}, nil
}

func (h *hasMany[R]) Name() string { return h.name }

func (h *hasMany[R]) load(ctx context.Context, parentIDs []string) (map[string]any, error) {
	grouped, err := h.target.JoinBy(ctx, h.index, parentIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(parentIDs))
	for _, id := range parentIDs {
		items := grouped[id]
		if items == nil {
			items = []R{}
		}
		out[id] = items
	}
	return out, nil
}

// Embedded is an entity plus its hydrated relations.
type Embedded[T Entity] struct {
	Item      T              `json:"item"`
	Relations map[string]any `json:"relations,omitempty"`
}

// AddRelation registers rel as embeddable on this table.
func (t *Table[T]) AddRelation(rel Relation) {
	t.relations[rel.Name()] = rel
}

// JoinBy returns every entity whose (local) index equals one of values,
// grouped by that value. Values are queried in chunks of MaxBatchSize.
func (t *Table[T]) JoinBy(ctx context.Context, index string, values []string) (map[string][]T, error) {
	slot, ok := t.slots[index]
	if !ok {
		return nil, &UnsupportedIndexError{Type: t.schema.Type, Index: index}
	}
	if slot.global {
		return nil, fmt.Errorf("store: JoinBy on global index %q", index)
	}
	key := t.keyFunc(index)
	out := make(map[string][]T)
	for _, chunk := range chunks(dedupe(values), MaxBatchSize) {
		recs, err := t.driver.QueryIn(ctx, t.schema.Type, slot.column, chunk)
		if err != nil {
			return nil, err
		}
		items, err := t.decodeAll(recs)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			k := key(item)
			out[k] = append(out[k], item)
		}
	}
	return out, nil
}

func (t *Table[T]) keyFunc(index string) func(T) string {
	for _, idx := range t.schema.Local {
		if idx.Name == index {
			return idx.Key
		}
	}
	return func(T) string { return "" }
}

// Embed attaches the requested relations to items. Every name is checked
// before any query runs.
func (t *Table[T]) Embed(ctx context.Context, items []T, names ...string) ([]Embedded[T], error) {
	rels := make([]Relation, 0, len(names))
	for _, name := range names {
		rel, ok := t.relations[name]
		if !ok {
			return nil, &UnsupportedEmbedError{Type: t.schema.Type, Relation: name}
		}
		rels = append(rels, rel)
	}

	ids := make([]string, len(items))
	out := make([]Embedded[T], len(items))
	for i, item := range items {
		ids[i] = item.GetMeta().ID
		out[i] = Embedded[T]{Item: item}
	}
	if len(rels) == 0 || len(items) == 0 {
		return out, nil
	}

	for _, rel := range rels {
		loaded, err := rel.load(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("embed %s.%s: %w", t.schema.Type, rel.Name(), err)
		}
		for i := range out {
			if out[i].Relations == nil {
				out[i].Relations = make(map[string]any, len(rels))
			}
			out[i].Relations[rel.Name()] = loaded[ids[i]]
		}
	}
	return out, nil
}
