//go:build ruleguard

package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// GatedWrites flags transactions opened outside the datastore package. All
// commits go through Gate.WithWrite so writers are serialized and contention
// is retried with backoff.
//
// Old pattern:
//
//	store.DB.Transaction(func(tx *gorm.DB) error { ... })
//
// New pattern:
//
//	store.Gate.WithWrite(ctx, func(tx *gorm.DB) error { ... })
func GatedWrites(m dsl.Matcher) {
	m.Match(`$db.Transaction($*_)`, `$db.Begin($*_)`).
		Where(m["db"].Type.Is("*gorm.DB") &&
			!m.File().PkgPath.Matches(`/internal/datastore$`) &&
			!m.File().Name.Matches(`_test\.go$`)).
		Report("write through Store.Gate.WithWrite instead of opening a transaction directly")
}

// ContextAwareSleep flags time.Sleep in library code. Workers must stop
// promptly on shutdown, so waits select on ctx.Done().
func ContextAwareSleep(m dsl.Matcher) {
	m.Match(`time.Sleep($d)`).
		Where(m.File().PkgPath.Matches(`/internal/`) &&
			!m.File().Name.Matches(`_test\.go$`)).
		Report("use a timer with select on ctx.Done() instead of time.Sleep")
}
