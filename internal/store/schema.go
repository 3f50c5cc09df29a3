package store

import (
	"fmt"
	"time"
)

const (
	// MaxLocalIndexes is the number of range indexes an entity type can declare
	// inside its own partition.
	MaxLocalIndexes = 4
	// MaxGlobalIndexes is the number of indexes spanning all partitions.
	MaxGlobalIndexes = 2
)

// Meta holds the fields the store owns on every entity.
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

// GetMeta returns the entity metadata; embedding Meta makes a struct an Entity.
func (m *Meta) GetMeta() *Meta { return m }

// Entity is anything the store can persist.
type Entity interface {
	GetMeta() *Meta
}

// Index maps an entity to the string it is ordered by in one index.
// An empty key leaves the entity out of the index.
type Index[T Entity] struct {
	Name string
	Key  func(T) string
}

// Schema is the fixed index layout of one entity type.
type Schema[T Entity] struct {
	Type   string
	New    func() T
	Local  []Index[T]
	Global []Index[T]
}

type indexSlot struct {
	column string
	global bool
}

func (s Schema[T]) validate() error {
	if s.Type == "" {
		return fmt.Errorf("store: schema type required")
	}
	if s.New == nil {
		return fmt.Errorf("store: schema %s: constructor required", s.Type)
	}
	if len(s.Local) > MaxLocalIndexes {
		return fmt.Errorf("store: schema %s: %d local indexes (max %d)", s.Type, len(s.Local), MaxLocalIndexes)
	}
	if len(s.Global) > MaxGlobalIndexes {
		return fmt.Errorf("store: schema %s: %d global indexes (max %d)", s.Type, len(s.Global), MaxGlobalIndexes)
	}
	seen := map[string]bool{}
	for _, idx := range append(append([]Index[T]{}, s.Local...), s.Global...) {
		if idx.Name == "" || idx.Key == nil {
			return fmt.Errorf("store: schema %s: index needs a name and key func", s.Type)
		}
		if seen[idx.Name] {
			return fmt.Errorf("store: schema %s: duplicate index %q", s.Type, idx.Name)
		}
		seen[idx.Name] = true
	}
	return nil
}

// slots assigns index names to physical columns.
func (s Schema[T]) slots() map[string]indexSlot {
	out := make(map[string]indexSlot, len(s.Local)+len(s.Global))
	for i, idx := range s.Local {
		out[idx.Name] = indexSlot{column: localColumns[i]}
	}
	for i, idx := range s.Global {
		out[idx.Name] = indexSlot{column: globalColumns[i], global: true}
	}
	return out
}

// project fills the record's index columns from the entity.
func (s Schema[T]) project(e T, rec *Record) {
	locals := [MaxLocalIndexes]*string{}
	for i, idx := range s.Local {
		locals[i] = projection("", idx.Key(e))
	}
	rec.LSI1, rec.LSI2, rec.LSI3, rec.LSI4 = locals[0], locals[1], locals[2], locals[3]

	globals := [MaxGlobalIndexes]*string{}
	for i, idx := range s.Global {
		globals[i] = projection(idx.Name, idx.Key(e))
	}
	rec.GSI1, rec.GSI2 = globals[0], globals[1]
}

// projection returns nil for empty keys so sparse indexes skip the record.
// Global keys are namespaced by index name: types sharing an index name
// share its key space.
func projection(namespace, key string) *string {
	if key == "" {
		return nil
	}
	if namespace != "" {
		key = namespace + "#" + key
	}
	return &key
}
