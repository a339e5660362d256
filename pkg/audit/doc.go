// Package audit records one append-only record per secret access attempt.
//
// # Recording Flow
//
// Every request that reaches the broker produces exactly one Record, whatever
// the outcome:
//
//	Broker decision (allow, deny, pending, error)
//	     ↓
//	Logger.Record
//	     ├─→ structured slog event (component "audit")
//	     ↓
//	Async channel (AsyncBuffer)
//	     ↓
//	Worker → Storage.Store (SQLite, PostgreSQL or memory)
//
// When the channel is full the caller waits up to WriteTimeout, then writes
// the record synchronously and the drop counter is incremented. A storage
// failure is logged at error level with alert=true and reported through
// Metrics; it never changes the access decision.
//
// # Storage
//
// Implementations live in the storage subpackage:
//   - storage.MemoryStorage for tests and development
//   - storage.SQLiteStorage (github.com/mattn/go-sqlite3, WAL mode)
//   - storage.PostgresStorage (gorm with the postgres driver)
//
// # Retention
//
// The retention subpackage prunes records by age and by maximum count on a
// cron schedule:
//
//	pruner := retention.NewPruner(store, &retention.Config{
//	    RetentionDays: 90,
//	    MaxRecords:    1_000_000,
//	    PruneSchedule: "0 3 * * *",
//	})
//	scheduler := retention.NewScheduler(pruner)
//	if err := scheduler.Start(ctx); err != nil {
//	    return err
//	}
//	defer scheduler.Stop()
//
// Secret values are never part of a Record.
package audit
