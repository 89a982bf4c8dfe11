package repositorycache

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-tiered-cache/cache"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Interface assertion to ensure CachedRepository implements Repository[T]
var _ repository.Repository[any] = (*CachedRepository[any])(nil)

// listResult wraps the tuple result from List operations for caching
type listResult[T any] struct {
	Records []T `json:"records"`
	Total   int `json:"total"`
}

// CachedRepository decorates a base repository with read-through caching.
//
// Every cached read is tagged with the entity name. Reads driven by
// criteria (Get, List, Count) also carry the entity's query tag, and
// lookups by ID or identifier carry a tag naming that record. Writes
// invalidate the narrowest set of tags that covers what they changed.
// Tags found in the context (see WithCacheTags) are attached to reads and
// invalidated by writes.
//
// Reads that pass criteria go straight to the base repository unless the
// context names the query with WithCacheKey.
type CachedRepository[T any] struct {
	base   repository.Repository[T]
	cache  cache.CacheService
	entity string
	ttl    time.Duration
	logger *slog.Logger
}

type options struct {
	entity string
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a CachedRepository.
type Option func(*options)

// WithEntityName overrides the tag namespace derived from T's type name.
func WithEntityName(name string) Option {
	return func(o *options) {
		o.entity = name
	}
}

// WithTTL sets the TTL of cached reads. Zero uses the service default.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithLogger sets the logger used to report invalidations.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New creates a new CachedRepository that wraps the base repository with caching
func New[T any](base repository.Repository[T], cacheService cache.CacheService, opts ...Option) *CachedRepository[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.entity == "" {
		o.entity = entityName[T]()
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "repositorycache")
	}

	return &CachedRepository[T]{
		base:   base,
		cache:  cacheService,
		entity: o.entity,
		ttl:    o.ttl,
		logger: o.logger.With("entity", o.entity),
	}
}

// Entity returns the tag namespace of this repository.
func (c *CachedRepository[T]) Entity() string { return c.entity }

// EntityTag is attached to every cached read of this repository.
func (c *CachedRepository[T]) EntityTag() string { return c.entity }

// QueryTag is attached to criteria driven reads: Get, List and Count.
func (c *CachedRepository[T]) QueryTag() string { return c.entity + ":query" }

// IDTag is attached to GetByID reads for id.
func (c *CachedRepository[T]) IDTag(id string) string { return c.entity + ":id:" + id }

// IdentifierTag is attached to GetByIdentifier reads for identifier.
func (c *CachedRepository[T]) IdentifierTag(identifier string) string {
	return c.entity + ":identifier:" + identifier
}

// readKey builds the key of a read. Criteria appear in the key only as the
// WithCacheKey parts; ok is false when the read must bypass the cache.
func (c *CachedRepository[T]) readKey(ctx context.Context, method string, criteria []repository.SelectCriteria, args ...any) (string, bool) {
	if len(criteria) > 0 {
		parts, ok := cacheKeyFromContext(ctx)
		if !ok {
			return "", false
		}
		args = append(args, cache.Named("query", parts))
	}

	key, err := c.cache.Key(c.entity+"."+method, args...)
	if err != nil {
		c.logger.Warn("uncacheable read", "method", method, "error", err)
		return "", false
	}
	return key, true
}

func (c *CachedRepository[T]) readOptions(ctx context.Context, tags ...string) []cache.EntryOption {
	all := append([]string{c.EntityTag()}, tags...)
	all = append(all, cacheTagsFromContext(ctx)...)
	return []cache.EntryOption{cache.WithTTL(c.ttl), cache.WithTags(dedupeStrings(all)...)}
}

// Get retrieves a single record using the provided criteria, with caching
func (c *CachedRepository[T]) Get(ctx context.Context, criteria ...repository.SelectCriteria) (T, error) {
	key, ok := c.readKey(ctx, "Get", criteria)
	if !ok {
		return c.base.Get(ctx, criteria...)
	}
	return cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (T, error) {
		return c.base.Get(ctx, criteria...)
	}, c.readOptions(ctx, c.QueryTag())...)
}

// GetByID retrieves a record by ID with optional criteria, with caching
func (c *CachedRepository[T]) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (T, error) {
	key, ok := c.readKey(ctx, "GetByID", criteria, id)
	if !ok {
		return c.base.GetByID(ctx, id, criteria...)
	}
	return cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (T, error) {
		return c.base.GetByID(ctx, id, criteria...)
	}, c.readOptions(ctx, c.IDTag(id))...)
}

// List retrieves multiple records using the provided criteria, with caching
func (c *CachedRepository[T]) List(ctx context.Context, criteria ...repository.SelectCriteria) ([]T, int, error) {
	key, ok := c.readKey(ctx, "List", criteria)
	if !ok {
		return c.base.List(ctx, criteria...)
	}
	res, err := cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (listResult[T], error) {
		records, total, err := c.base.List(ctx, criteria...)
		return listResult[T]{Records: records, Total: total}, err
	}, c.readOptions(ctx, c.QueryTag())...)
	if err != nil {
		return nil, 0, err
	}
	return res.Records, res.Total, nil
}

// Count returns the number of records matching the criteria, with caching
func (c *CachedRepository[T]) Count(ctx context.Context, criteria ...repository.SelectCriteria) (int, error) {
	key, ok := c.readKey(ctx, "Count", criteria)
	if !ok {
		return c.base.Count(ctx, criteria...)
	}
	return cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (int, error) {
		return c.base.Count(ctx, criteria...)
	}, c.readOptions(ctx, c.QueryTag())...)
}

// GetByIdentifier retrieves a record by identifier with optional criteria, with caching
func (c *CachedRepository[T]) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	key, ok := c.readKey(ctx, "GetByIdentifier", criteria, identifier)
	if !ok {
		return c.base.GetByIdentifier(ctx, identifier, criteria...)
	}
	return cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (T, error) {
		return c.base.GetByIdentifier(ctx, identifier, criteria...)
	}, c.readOptions(ctx, c.IdentifierTag(identifier))...)
}

// Create creates a new record and drops cached query results.
func (c *CachedRepository[T]) Create(ctx context.Context, record T, criteria ...repository.InsertCriteria) (T, error) {
	result, err := c.base.Create(ctx, record, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// CreateTx creates a new record within a transaction
func (c *CachedRepository[T]) CreateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.InsertCriteria) (T, error) {
	result, err := c.base.CreateTx(ctx, tx, record, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// CreateMany creates multiple records
func (c *CachedRepository[T]) CreateMany(ctx context.Context, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	result, err := c.base.CreateMany(ctx, records, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// CreateManyTx creates multiple records within a transaction
func (c *CachedRepository[T]) CreateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	result, err := c.base.CreateManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// GetOrCreate gets a record or creates it if it doesn't exist
func (c *CachedRepository[T]) GetOrCreate(ctx context.Context, record T) (T, error) {
	result, err := c.base.GetOrCreate(ctx, record)
	if err == nil {
		// may have created a row
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// GetOrCreateTx gets a record or creates it if it doesn't exist within a transaction
func (c *CachedRepository[T]) GetOrCreateTx(ctx context.Context, tx bun.IDB, record T) (T, error) {
	result, err := c.base.GetOrCreateTx(ctx, tx, record)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// Update updates a record
func (c *CachedRepository[T]) Update(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.Update(ctx, record, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, record, result)
	}
	return result, err
}

// UpdateTx updates a record within a transaction
func (c *CachedRepository[T]) UpdateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.UpdateTx(ctx, tx, record, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, record, result)
	}
	return result, err
}

// UpdateMany updates multiple records
func (c *CachedRepository[T]) UpdateMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpdateMany(ctx, records, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, joinRecords(records, result)...)
	}
	return result, err
}

// UpdateManyTx updates multiple records within a transaction
func (c *CachedRepository[T]) UpdateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpdateManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, joinRecords(records, result)...)
	}
	return result, err
}

// Upsert inserts or updates a record
func (c *CachedRepository[T]) Upsert(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.Upsert(ctx, record, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, record, result)
	}
	return result, err
}

// UpsertTx inserts or updates a record within a transaction
func (c *CachedRepository[T]) UpsertTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.UpsertTx(ctx, tx, record, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, record, result)
	}
	return result, err
}

// UpsertMany inserts or updates multiple records
func (c *CachedRepository[T]) UpsertMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpsertMany(ctx, records, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, joinRecords(records, result)...)
	}
	return result, err
}

// UpsertManyTx inserts or updates multiple records within a transaction
func (c *CachedRepository[T]) UpsertManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpsertManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.invalidateRecords(ctx, joinRecords(records, result)...)
	}
	return result, err
}

// Delete deletes a record
func (c *CachedRepository[T]) Delete(ctx context.Context, record T) error {
	err := c.base.Delete(ctx, record)
	if err == nil {
		c.invalidateRecords(ctx, record)
	}
	return err
}

// DeleteTx deletes a record within a transaction
func (c *CachedRepository[T]) DeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	err := c.base.DeleteTx(ctx, tx, record)
	if err == nil {
		c.invalidateRecords(ctx, record)
	}
	return err
}

// DeleteMany deletes multiple records based on criteria
func (c *CachedRepository[T]) DeleteMany(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteMany(ctx, criteria...)
	if err == nil {
		c.invalidateEntity(ctx)
	}
	return err
}

// DeleteManyTx deletes multiple records based on criteria within a transaction
func (c *CachedRepository[T]) DeleteManyTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteManyTx(ctx, tx, criteria...)
	if err == nil {
		c.invalidateEntity(ctx)
	}
	return err
}

// DeleteWhere deletes records based on criteria
func (c *CachedRepository[T]) DeleteWhere(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteWhere(ctx, criteria...)
	if err == nil {
		c.invalidateEntity(ctx)
	}
	return err
}

// DeleteWhereTx deletes records based on criteria within a transaction
func (c *CachedRepository[T]) DeleteWhereTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteWhereTx(ctx, tx, criteria...)
	if err == nil {
		c.invalidateEntity(ctx)
	}
	return err
}

// ForceDelete force deletes a record (bypassing soft delete)
func (c *CachedRepository[T]) ForceDelete(ctx context.Context, record T) error {
	err := c.base.ForceDelete(ctx, record)
	if err == nil {
		c.invalidateRecords(ctx, record)
	}
	return err
}

// ForceDeleteTx force deletes a record within a transaction (bypassing soft delete)
func (c *CachedRepository[T]) ForceDeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	err := c.base.ForceDeleteTx(ctx, tx, record)
	if err == nil {
		c.invalidateRecords(ctx, record)
	}
	return err
}

// Transactional reads bypass the cache: they may observe uncommitted rows.

func (c *CachedRepository[T]) GetTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetTx(ctx, tx, criteria...)
}

func (c *CachedRepository[T]) GetByIDTx(ctx context.Context, tx bun.IDB, id string, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetByIDTx(ctx, tx, id, criteria...)
}

func (c *CachedRepository[T]) ListTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) ([]T, int, error) {
	return c.base.ListTx(ctx, tx, criteria...)
}

func (c *CachedRepository[T]) CountTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (int, error) {
	return c.base.CountTx(ctx, tx, criteria...)
}

func (c *CachedRepository[T]) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetByIdentifierTx(ctx, tx, identifier, criteria...)
}

// Raw executes a raw SQL query and returns the results
func (c *CachedRepository[T]) Raw(ctx context.Context, sql string, args ...any) ([]T, error) {
	return c.base.Raw(ctx, sql, args...)
}

// RawTx executes a raw SQL query within a transaction and returns the results
func (c *CachedRepository[T]) RawTx(ctx context.Context, tx bun.IDB, sql string, args ...any) ([]T, error) {
	return c.base.RawTx(ctx, tx, sql, args...)
}

// Handlers returns the model handlers from the base repository
func (c *CachedRepository[T]) Handlers() repository.ModelHandlers[T] {
	return c.base.Handlers()
}

func (c *CachedRepository[T]) invalidate(ctx context.Context, tags ...string) {
	tags = dedupeStrings(append(tags, cacheTagsFromContext(ctx)...))
	n := c.cache.InvalidateTags(ctx, tags...)
	c.logger.DebugContext(ctx, "invalidated cached reads", "tags", tags, "removed", n)
}

func (c *CachedRepository[T]) invalidateAfterCreate(ctx context.Context) {
	c.invalidate(ctx, c.QueryTag())
}

// invalidateRecords drops query results plus the ID and identifier lookups
// of every record given.
func (c *CachedRepository[T]) invalidateRecords(ctx context.Context, records ...T) {
	tags := []string{c.QueryTag()}
	for _, record := range records {
		if id, err := extractID(record); err == nil {
			tags = append(tags, c.IDTag(id))
		}
		if identifier, err := extractIdentifier(record); err == nil {
			tags = append(tags, c.IdentifierTag(identifier))
		}
	}
	c.invalidate(ctx, tags...)
}

// invalidateEntity drops everything cached for the entity. Criteria
// deletes do not tell us which rows went away.
func (c *CachedRepository[T]) invalidateEntity(ctx context.Context) {
	c.invalidate(ctx, c.EntityTag())
}

func joinRecords[T any](a, b []T) []T {
	out := make([]T, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}

func entityName[T any]() string {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	for rt.Kind() == reflect.Ptr || rt.Kind() == reflect.Slice {
		rt = rt.Elem()
	}
	if name := toSnake(rt.Name()); name != "" {
		return name
	}
	return "entity"
}

func recordValue(record any) (reflect.Value, bool) {
	v := reflect.ValueOf(record)
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	return v, v.Kind() == reflect.Struct
}

// extractID attempts to extract an ID field from a record using reflection
func extractID(record any) (string, error) {
	return fieldString(record, "ID", "Id", "id")
}

// extractIdentifier attempts to extract an identifier field from a record using reflection
func extractIdentifier(record any) (string, error) {
	return fieldString(record, "Identifier", "Name", "Code", "Slug")
}

func fieldString(record any, names ...string) (string, error) {
	v, ok := recordValue(record)
	if !ok {
		return "", fmt.Errorf("record of type %T is not a struct", record)
	}
	for _, name := range names {
		field := v.FieldByName(name)
		if !field.IsValid() || !field.CanInterface() {
			continue
		}
		if id, ok := field.Interface().(uuid.UUID); ok && id == uuid.Nil {
			continue
		}
		s := fmt.Sprintf("%v", field.Interface())
		if s == "" || s == uuid.Nil.String() {
			continue
		}
		return s, nil
	}
	return "", fmt.Errorf("no %v field found in %T", names, record)
}
