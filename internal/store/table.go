package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	// DefaultPageSize is the page size of ListAll and of FindBy without a limit.
	DefaultPageSize = 100
	// MaxBatchSize is the largest chunk a single batch call carries.
	MaxBatchSize = 100
)

var validate = validator.New()

var now = func() time.Time { return time.Now().UTC() }

// StopFunc ends a multi-page scan once it returns true.
type StopFunc[T Entity] func(T) bool

// FindQuery is the input of FindBy.
type FindQuery struct {
	Index      string
	Value      string
	Comparator Comparator
	Cursor     Cursor
	Limit      int
}

// PageOf is a typed result page.
type PageOf[T Entity] struct {
	Items   []T
	Cursor  Cursor
	HasMore bool
}

// RetryPolicy bounds the re-submission of unprocessed batch items.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      8,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// BackOff builds a bounded exponential backoff bound to ctx.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
}

// Table is the typed view of one entity type over a Driver.
type Table[T Entity] struct {
	driver    Driver
	schema    Schema[T]
	slots     map[string]indexSlot
	relations map[string]Relation
	retry     RetryPolicy
}

// NewTable checks the schema and binds it to a driver.
func NewTable[T Entity](driver Driver, schema Schema[T]) (*Table[T], error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	return &Table[T]{
		driver:    driver,
		schema:    schema,
		slots:     schema.slots(),
		relations: map[string]Relation{},
		retry:     DefaultRetryPolicy(),
	}, nil
}

// Type is the partition name of the table.
func (t *Table[T]) Type() string { return t.schema.Type }

// SetRetryPolicy replaces the batch retry policy.
func (t *Table[T]) SetRetryPolicy(p RetryPolicy) { t.retry = p }

func (t *Table[T]) check(e T) error {
	if err := validate.Struct(e); err != nil {
		return &ValidationError{Type: t.schema.Type, Err: err}
	}
	return nil
}

func (t *Table[T]) encode(e T) (*Record, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("store: encode %s: %w", t.schema.Type, err)
	}
	m := e.GetMeta()
	rec := &Record{
		Type:      t.schema.Type,
		ID:        m.ID,
		Data:      data,
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	t.schema.project(e, rec)
	return rec, nil
}

func (t *Table[T]) decode(rec *Record) (T, error) {
	e := t.schema.New()
	if err := json.Unmarshal(rec.Data, e); err != nil {
		var zero T
		return zero, fmt.Errorf("store: decode %s %s: %w", t.schema.Type, rec.ID, err)
	}
	m := e.GetMeta()
	m.ID = rec.ID
	m.Version = rec.Version
	m.CreatedAt = rec.CreatedAt
	m.UpdatedAt = rec.UpdatedAt
	return e, nil
}

func (t *Table[T]) decodeAll(recs []Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for i := range recs {
		e, err := t.decode(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Create assigns a time-ordered id and timestamps, then persists e.
func (t *Table[T]) Create(ctx context.Context, e T) (T, error) {
	return t.create(ctx, e, "")
}

// CreateUnique is Create guarded by an idempotency key: a second create with
// the same key fails with ErrConditionFailed.
func (t *Table[T]) CreateUnique(ctx context.Context, e T, key string) (T, error) {
	if key == "" {
		var zero T
		return zero, fmt.Errorf("store: idempotency key required")
	}
	return t.create(ctx, e, key)
}

func (t *Table[T]) create(ctx context.Context, e T, key string) (T, error) {
	var zero T
	if err := t.check(e); err != nil {
		return zero, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return zero, err
	}
	ts := now()
	m := e.GetMeta()
	m.ID = id.String()
	m.CreatedAt = ts
	m.UpdatedAt = ts
	m.Version = 1

	rec, err := t.encode(e)
	if err != nil {
		return zero, err
	}
	if key != "" {
		rec.UniqueKey = &key
	}
	if err := t.driver.PutItem(ctx, rec, CondNotExists); err != nil {
		return zero, err
	}
	return e, nil
}

// Get returns ErrNotFound when id is absent.
func (t *Table[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	rec, err := t.driver.GetItem(ctx, t.schema.Type, id)
	if err != nil {
		return zero, err
	}
	return t.decode(rec)
}

// Put fully replaces an existing entity.
func (t *Table[T]) Put(ctx context.Context, e T) (T, error) {
	return t.put(ctx, e, CondExists)
}

// CompareAndPut replaces e only if nobody wrote it since e was read.
func (t *Table[T]) CompareAndPut(ctx context.Context, e T) (T, error) {
	return t.put(ctx, e, CondVersion)
}

func (t *Table[T]) put(ctx context.Context, e T, cond Condition) (T, error) {
	var zero T
	if err := t.check(e); err != nil {
		return zero, err
	}
	m := e.GetMeta()
	if m.ID == "" {
		return zero, ErrNotFound
	}
	prev := *m
	m.UpdatedAt = now()
	m.Version++
	rec, err := t.encode(e)
	if err == nil {
		err = t.driver.PutItem(ctx, rec, cond)
	}
	if err != nil {
		*m = prev
		return zero, err
	}
	return e, nil
}

// Delete removes id; deleting a missing id is not an error.
func (t *Table[T]) Delete(ctx context.Context, id string) error {
	return t.driver.DeleteItem(ctx, t.schema.Type, id)
}

func (t *Table[T]) resolve(index, value string) (string, string, error) {
	slot, ok := t.slots[index]
	if !ok {
		return "", "", &UnsupportedIndexError{Type: t.schema.Type, Index: index}
	}
	if slot.global {
		return slot.column, index + "#" + value, nil
	}
	return slot.column, value, nil
}

// FindBy returns one page of entities matching the index condition.
func (t *Table[T]) FindBy(ctx context.Context, q FindQuery) (*PageOf[T], error) {
	column, value, err := t.resolve(q.Index, q.Value)
	if err != nil {
		return nil, err
	}
	cmp := q.Comparator
	if cmp == "" {
		cmp = Eq
	}
	partition := t.schema.Type
	if t.slots[q.Index].global {
		// range conditions would leak into other index namespaces
		if cmp != Eq && cmp != BeginsWith {
			return nil, fmt.Errorf("store: global index %q supports only = and begins_with", q.Index)
		}
		partition = ""
	}
	page, err := t.driver.Query(ctx, Query{
		Partition:  partition,
		Column:     column,
		Comparator: cmp,
		Value:      value,
		Cursor:     q.Cursor,
		Limit:      q.Limit,
	})
	if err != nil {
		return nil, err
	}
	items, err := t.decodeAll(page.Records)
	if err != nil {
		return nil, err
	}
	return &PageOf[T]{Items: items, Cursor: page.Cursor, HasMore: page.HasMore}, nil
}

// FindAllBy collects every entity whose index equals value. When stop
// matches an item, that item is kept, the rest of its page is dropped and no
// further pages are fetched.
func (t *Table[T]) FindAllBy(ctx context.Context, index, value string, stop StopFunc[T]) ([]T, error) {
	if _, _, err := t.resolve(index, value); err != nil {
		return nil, err
	}
	return t.collect(ctx, stop, func(cur Cursor) (*PageOf[T], error) {
		return t.FindBy(ctx, FindQuery{Index: index, Value: value, Cursor: cur})
	})
}

// ListAll scans the whole partition in pages of DefaultPageSize.
func (t *Table[T]) ListAll(ctx context.Context, stop StopFunc[T]) ([]T, error) {
	return t.collect(ctx, stop, func(cur Cursor) (*PageOf[T], error) {
		page, err := t.driver.Query(ctx, Query{
			Partition: t.schema.Type,
			Cursor:    cur,
			Limit:     DefaultPageSize,
		})
		if err != nil {
			return nil, err
		}
		items, err := t.decodeAll(page.Records)
		if err != nil {
			return nil, err
		}
		return &PageOf[T]{Items: items, Cursor: page.Cursor, HasMore: page.HasMore}, nil
	})
}

func (t *Table[T]) collect(ctx context.Context, stop StopFunc[T], next func(Cursor) (*PageOf[T], error)) ([]T, error) {
	var (
		out []T
		cur Cursor
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := next(cur)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			out = append(out, item)
			if stop != nil && stop(item) {
				return out, nil
			}
		}
		if !page.HasMore {
			return out, nil
		}
		cur = page.Cursor
	}
}

var errPending = errors.New("store: batch items pending")

// BatchGet fetches ids in chunks of MaxBatchSize. Missing ids are omitted;
// duplicates in ids are collapsed.
func (t *Table[T]) BatchGet(ctx context.Context, ids []string) ([]T, error) {
	var out []T
	for _, chunk := range chunks(dedupe(ids), MaxBatchSize) {
		pending := chunk
		err := t.retryBatch(ctx, func() error {
			recs, unprocessed, err := t.driver.BatchGetItems(ctx, t.schema.Type, pending)
			if err != nil {
				return backoff.Permanent(err)
			}
			items, err := t.decodeAll(recs)
			if err != nil {
				return backoff.Permanent(err)
			}
			out = append(out, items...)
			pending = unprocessed
			if len(pending) > 0 {
				return errPending
			}
			return nil
		})
		if err != nil {
			return nil, t.batchError(err, len(pending))
		}
	}
	return out, nil
}

// BatchDelete deletes ids in chunks of MaxBatchSize.
func (t *Table[T]) BatchDelete(ctx context.Context, ids []string) error {
	for _, chunk := range chunks(dedupe(ids), MaxBatchSize) {
		pending := chunk
		err := t.retryBatch(ctx, func() error {
			unprocessed, err := t.driver.BatchDeleteItems(ctx, t.schema.Type, pending)
			if err != nil {
				return backoff.Permanent(err)
			}
			pending = unprocessed
			if len(pending) > 0 {
				return errPending
			}
			return nil
		})
		if err != nil {
			return t.batchError(err, len(pending))
		}
	}
	return nil
}

func (t *Table[T]) retryBatch(ctx context.Context, op func() error) error {
	return backoff.Retry(op, t.retry.BackOff(ctx))
}

func (t *Table[T]) batchError(err error, pending int) error {
	if errors.Is(err, errPending) {
		return fmt.Errorf("%w: %d %s items", ErrUnprocessedItems, pending, t.schema.Type)
	}
	return err
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
