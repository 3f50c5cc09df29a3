package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

var (
	localColumns  = [MaxLocalIndexes]string{"lsi1", "lsi2", "lsi3", "lsi4"}
	globalColumns = [MaxGlobalIndexes]string{"gsi1", "gsi2"}
)

// Record is the persisted form of every entity: one row per (type, id).
type Record struct {
	Type      string         `gorm:"primaryKey;size:32;index:idx_entities_lsi1,priority:1;index:idx_entities_lsi2,priority:1;index:idx_entities_lsi3,priority:1;index:idx_entities_lsi4,priority:1" json:"type"`
	ID        string         `gorm:"primaryKey;size:64" json:"id"`
	Data      datatypes.JSON `gorm:"not null" json:"data"`
	LSI1      *string        `gorm:"column:lsi1;size:255;index:idx_entities_lsi1,priority:2" json:"lsi1,omitempty"`
	LSI2      *string        `gorm:"column:lsi2;size:255;index:idx_entities_lsi2,priority:2" json:"lsi2,omitempty"`
	LSI3      *string        `gorm:"column:lsi3;size:255;index:idx_entities_lsi3,priority:2" json:"lsi3,omitempty"`
	LSI4      *string        `gorm:"column:lsi4;size:255;index:idx_entities_lsi4,priority:2" json:"lsi4,omitempty"`
	GSI1      *string        `gorm:"column:gsi1;size:255;index" json:"gsi1,omitempty"`
	GSI2      *string        `gorm:"column:gsi2;size:255;index" json:"gsi2,omitempty"`
	UniqueKey *string        `gorm:"size:255;uniqueIndex" json:"uniqueKey,omitempty"`
	Version   int64          `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (Record) TableName() string { return "entities" }

// Comparator is a key condition on an index column.
type Comparator string

const (
	Eq         Comparator = "="
	Lt         Comparator = "<"
	Gt         Comparator = ">"
	Lte        Comparator = "<="
	Gte        Comparator = ">="
	BeginsWith Comparator = "begins_with"
)

func (c Comparator) valid() bool {
	switch c {
	case Eq, Lt, Gt, Lte, Gte, BeginsWith:
		return true
	}
	return false
}

// Cursor is an opaque continuation token. Only the driver that produced it
// may interpret it.
type Cursor []byte

// Condition guards a write.
type Condition int

const (
	// CondNone writes unconditionally.
	CondNone Condition = iota
	// CondNotExists fails with ErrConditionFailed if the key (or unique key) is taken.
	CondNotExists
	// CondExists fails with ErrNotFound if the item is missing.
	CondExists
	// CondVersion fails with ErrConditionFailed unless the stored version is
	// one below the record's version.
	CondVersion
)

// Query selects records of one partition (or across partitions for global
// indexes) by an index column. An empty Column scans the partition by id.
type Query struct {
	Partition  string
	Column     string
	Comparator Comparator
	Value      string
	Cursor     Cursor
	Limit      int
}

// Page is one slice of a query result.
type Page struct {
	Records []Record
	Cursor  Cursor
	HasMore bool
}

// Driver is the storage backend behind a Table.
type Driver interface {
	GetItem(ctx context.Context, partition, id string) (*Record, error)
	PutItem(ctx context.Context, rec *Record, cond Condition) error
	DeleteItem(ctx context.Context, partition, id string) error
	Query(ctx context.Context, q Query) (*Page, error)
	// QueryIn returns every record of the partition whose column equals one of values.
	QueryIn(ctx context.Context, partition, column string, values []string) ([]Record, error)
	// BatchGetItems may leave ids unprocessed; callers retry them.
	BatchGetItems(ctx context.Context, partition string, ids []string) (found []Record, unprocessed []string, err error)
	BatchDeleteItems(ctx context.Context, partition string, ids []string) (unprocessed []string, err error)
}

func validColumn(col string) error {
	if col == "" {
		return nil
	}
	for _, c := range localColumns {
		if c == col {
			return nil
		}
	}
	for _, c := range globalColumns {
		if c == col {
			return nil
		}
	}
	return fmt.Errorf("store: unknown index column %q", col)
}
