// Package singleton implements cross-process mutual exclusion for solobot:
// a Postgres advisory lock with stale-holder takeover, a heartbeat proving
// liveness of the current holder, and a PASSIVE/ACTIVE controller that the
// rest of the process consults before doing side-effecting work.
package singleton

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// LockKey is a 63-bit non-negative identifier for the advisory lock.
// Postgres' two-argument advisory lock primitives take a pair of int4
// values, so the key is split into signed 32-bit halves on the wire.
type LockKey int64

// DeriveLockKey hashes a stable service identifier (e.g. the bot
// credential), scoped by a namespace, into a LockKey. The same
// namespace+identifier always yields the same key on every instance.
func DeriveLockKey(namespace, identifier string) LockKey {
	sum := sha256.Sum256([]byte(namespace + ":" + identifier))
	raw := binary.BigEndian.Uint64(sum[:8])
	// Clear the sign bit so the key is a valid non-negative BIGINT.
	return LockKey(raw &^ (1 << 63))
}

// Split returns the two signed 32-bit halves Postgres expects. The high
// half is always non-negative because the key's top bit is clear; the low
// half may be negative after reinterpretation.
func (k LockKey) Split() (classID, objID int32) {
	return int32(uint64(k) >> 32), int32(uint32(uint64(k)))
}

// JoinLockKey reverses Split. For every valid LockKey k,
// JoinLockKey(k.Split()) == k.
func JoinLockKey(classID, objID int32) LockKey {
	return LockKey(uint64(uint32(classID))<<32 | uint64(uint32(objID)))
}

func (k LockKey) String() string {
	return fmt.Sprintf("%d", int64(k))
}
