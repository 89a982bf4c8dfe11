// Package repositorycache provides cached repository decorators for go-repository-bun.
//
// # Overview
//
// CachedRepository wraps a repository.Repository[T] and serves reads through
// a cache.CacheService. Writes go straight to the base repository and, on
// success, invalidate the cached reads they may have changed.
//
// # Basic Usage
//
//	svc, err := cache.NewService(cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	users := repositorycache.New[*User](base, svc, repositorycache.WithTTL(time.Minute))
//
//	user, err := users.GetByID(ctx, id)
//	list, total, err := users.List(ctx, repository.SelectPaginate(20, 0))
//
// # Tags
//
// Cached reads are tagged so writes can drop them without knowing keys:
//
//	<entity>                    every cached read
//	<entity>:query              Get, List and Count
//	<entity>:id:<id>            GetByID
//	<entity>:identifier:<name>  GetByIdentifier
//
// The entity name is T's type name in snake_case (User becomes "user") unless
// WithEntityName says otherwise.
//
// Invalidation per write:
//
//   - Create, CreateMany, GetOrCreate: the query tag
//   - Update, Upsert, Delete, ForceDelete and bulk variants: the query tag
//     plus the id and identifier tags of every record involved
//   - DeleteMany, DeleteWhere: the entity tag
//
// WithCacheTags adds caller defined tags to the context. Reads made with that
// context carry them and writes made with it invalidate them, which lets one
// entity's writes drop views built from another.
//
// # Transactions
//
// The *Tx read methods and Raw queries are never cached: inside a transaction
// they may see rows other callers cannot. *Tx writes invalidate as soon as the
// statement succeeds, before commit.
//
// # Keys
//
// Keys are built by the service's KeySerializer from "<entity>.<Method>" and
// the call arguments. Criteria are functions and say nothing about the rows
// they select, so a read that passes criteria is sent to the base repository
// uncached. Name the query with WithCacheKey to cache it; the key parts
// replace the criteria in the key:
//
//	ctx = repositorycache.WithCacheKey(ctx, "status", status)
//	orders, total, err := repo.List(ctx, whereStatus(status))
//
// # Errors
//
// Base repository errors are returned unchanged and never cached.
package repositorycache
