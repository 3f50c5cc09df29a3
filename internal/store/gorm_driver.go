package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormDriver keeps every entity type in one "entities" table.
type GormDriver struct {
	db *gorm.DB
}

func NewGormDriver(db *gorm.DB) *GormDriver {
	return &GormDriver{db: db}
}

// Migrate creates or updates the entities table.
func (d *GormDriver) Migrate(ctx context.Context) error {
	return d.db.WithContext(ctx).AutoMigrate(&Record{})
}

func (d *GormDriver) GetItem(ctx context.Context, partition, id string) (*Record, error) {
	var rec Record
	err := d.db.WithContext(ctx).
		Where("type = ? AND id = ?", partition, id).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *GormDriver) PutItem(ctx context.Context, rec *Record, cond Condition) error {
	db := d.db.WithContext(ctx)
	switch cond {
	case CondNotExists:
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConditionFailed
		}
		return nil
	case CondExists, CondVersion:
		q := db.Model(&Record{}).Where("type = ? AND id = ?", rec.Type, rec.ID)
		if cond == CondVersion {
			q = q.Where("version = ?", rec.Version-1)
		}
		res := q.Updates(map[string]interface{}{
			"data":       rec.Data,
			"lsi1":       rec.LSI1,
			"lsi2":       rec.LSI2,
			"lsi3":       rec.LSI3,
			"lsi4":       rec.LSI4,
			"gsi1":       rec.GSI1,
			"gsi2":       rec.GSI2,
			"version":    rec.Version,
			"updated_at": rec.UpdatedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if cond == CondExists {
				return ErrNotFound
			}
			return ErrConditionFailed
		}
		return nil
	default:
		return db.Save(rec).Error
	}
}

func (d *GormDriver) DeleteItem(ctx context.Context, partition, id string) error {
	return d.db.WithContext(ctx).
		Where("type = ? AND id = ?", partition, id).
		Delete(&Record{}).Error
}

// gormCursor is the driver-private content of a Cursor.
type gormCursor struct {
	Value string `json:"v,omitempty"`
	ID    string `json:"id"`
}

func encodeCursor(c gormCursor) (Cursor, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(raw)))
	base64.RawURLEncoding.Encode(out, raw)
	return out, nil
}

func decodeCursor(c Cursor) (gormCursor, error) {
	var gc gormCursor
	raw := make([]byte, base64.RawURLEncoding.DecodedLen(len(c)))
	n, err := base64.RawURLEncoding.Decode(raw, c)
	if err != nil {
		return gc, fmt.Errorf("%w: %v", ErrMalformedCursor, err)
	}
	if err := json.Unmarshal(raw[:n], &gc); err != nil {
		return gc, fmt.Errorf("%w: %v", ErrMalformedCursor, err)
	}
	return gc, nil
}

func (d *GormDriver) Query(ctx context.Context, q Query) (*Page, error) {
	if err := validColumn(q.Column); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}

	tx := d.db.WithContext(ctx).Model(&Record{})
	if q.Partition != "" {
		tx = tx.Where("type = ?", q.Partition)
	}
	if q.Column != "" {
		cmp := q.Comparator
		if cmp == "" {
			cmp = Eq
		}
		if !cmp.valid() {
			return nil, fmt.Errorf("store: unknown comparator %q", cmp)
		}
		if cmp == BeginsWith {
			tx = tx.Where("SUBSTR("+q.Column+", 1, ?) = ?", utf8.RuneCountInString(q.Value), q.Value)
		} else {
			tx = tx.Where(q.Column+" "+string(cmp)+" ?", q.Value)
		}
		tx = tx.Order(q.Column).Order("id")
	} else {
		tx = tx.Order("id")
	}

	if len(q.Cursor) > 0 {
		gc, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		if q.Column != "" {
			tx = tx.Where("(("+q.Column+" > ?) OR ("+q.Column+" = ? AND id > ?))", gc.Value, gc.Value, gc.ID)
		} else {
			tx = tx.Where("id > ?", gc.ID)
		}
	}

	var recs []Record
	if err := tx.Limit(q.Limit + 1).Find(&recs).Error; err != nil {
		return nil, err
	}

	page := &Page{Records: recs}
	if len(recs) > q.Limit {
		page.Records = recs[:q.Limit]
		page.HasMore = true
		last := page.Records[len(page.Records)-1]
		gc := gormCursor{ID: last.ID}
		if q.Column != "" {
			gc.Value = columnValue(last, q.Column)
		}
		cur, err := encodeCursor(gc)
		if err != nil {
			return nil, err
		}
		page.Cursor = cur
	}
	return page, nil
}

func (d *GormDriver) QueryIn(ctx context.Context, partition, column string, values []string) ([]Record, error) {
	if column == "" {
		return nil, fmt.Errorf("store: QueryIn needs an index column")
	}
	if err := validColumn(column); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	var recs []Record
	err := d.db.WithContext(ctx).
		Where("type = ? AND "+column+" IN ?", partition, values).
		Order(column).Order("id").
		Find(&recs).Error
	return recs, err
}

func (d *GormDriver) BatchGetItems(ctx context.Context, partition string, ids []string) ([]Record, []string, error) {
	var recs []Record
	err := d.db.WithContext(ctx).
		Where("type = ? AND id IN ?", partition, ids).
		Find(&recs).Error
	if err != nil {
		return nil, nil, err
	}
	return recs, nil, nil
}

func (d *GormDriver) BatchDeleteItems(ctx context.Context, partition string, ids []string) ([]string, error) {
	err := d.db.WithContext(ctx).
		Where("type = ? AND id IN ?", partition, ids).
		Delete(&Record{}).Error
	return nil, err
}

func columnValue(rec Record, column string) string {
	var p *string
	switch column {
	case "lsi1":
		p = rec.LSI1
	case "lsi2":
		p = rec.LSI2
	case "lsi3":
		p = rec.LSI3
	case "lsi4":
		p = rec.LSI4
	case "gsi1":
		p = rec.GSI1
	case "gsi2":
		p = rec.GSI2
	}
	if p == nil {
		return ""
	}
	return *p
}
