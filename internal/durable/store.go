// Package durable defines the abstract key-value/list/hash/zset store used
// for fire-and-forget cross-restart continuity of counters and events. The
// authoritative state for a running process is always in-memory; writes
// here never block the hot path and correctness never depends on them.
package durable

// Store provides the HASH/LIST/ZSET-shaped operations the engine's
// components use for durability and observability. Any backing store that
// can offer these semantics satisfies it — the in-memory implementation is
// the zero-dependency default, and a Postgres-backed one is available for
// processes that want counters to survive a restart.
type Store interface {
	// HSet sets field within hash key to value.
	HSet(key, field, value string)
	// HGet returns the value of field within hash key, or ("", false).
	HGet(key, field string) (string, bool)
	// HGetAll returns every field/value pair within hash key.
	HGetAll(key string) map[string]string
	// HIncrBy increments an integer-valued field within hash key and
	// returns the new value.
	HIncrBy(key, field string, delta int64) int64

	// LPush prepends value to list key.
	LPush(key, value string)
	// LTrim keeps only indices [start, stop] of list key (inclusive,
	// 0-based; negative stop means "from the end").
	LTrim(key string, start, stop int)
	// LRange returns indices [start, stop] of list key.
	LRange(key string, start, stop int) []string

	// ZAdd adds member to sorted set key with the given score, updating
	// the score if member already exists.
	ZAdd(key string, score float64, member string)
	// ZRemRangeByScore removes every member of key with score in [min, max].
	ZRemRangeByScore(key string, min, max float64)
	// ZRange returns members of key ordered by score, over indices [start, stop].
	ZRange(key string, start, stop int) []string

	// Close releases any underlying connection. Safe to call on a nil-backed store.
	Close() error
}
