// Package sf provides a typed single-flight group for deduplicating
// concurrent calls with the same key.
//
// When several goroutines call [Group.Do] with the same key while a call is
// in flight, only the first one executes; the rest block and receive the
// same value and error. Failures are not remembered: once the call returns,
// the next Do for that key executes again.
//
// # Usage
//
//	conns := sf.New[ShardID, *sql.DB]()
//
//	db, _, err := conns.Do("users-0", func() (*sql.DB, error) {
//	    return sql.Open("sqlite", dsn)
//	})
package sf
