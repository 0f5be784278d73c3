package singleton

import (
	"fmt"
	"math/rand/v2"
	"testing"
)

func TestLockKey_SplitJoinRoundTrip(t *testing.T) {
	cases := []LockKey{
		0,
		1,
		LockKey(1<<63 - 1),
		LockKey(1 << 31),
		LockKey(1<<32 - 1),
		LockKey(1 << 32),
	}
	for i := 0; i < 1000; i++ {
		cases = append(cases, LockKey(rand.Int64N(1<<63-1)))
	}
	for _, k := range cases {
		hi, lo := k.Split()
		if got := JoinLockKey(hi, lo); got != k {
			t.Fatalf("round trip failed for %d: split (%d, %d), joined %d", k, hi, lo, got)
		}
	}
}

func TestLockKey_HighHalfNonNegative(t *testing.T) {
	// The sign bit is cleared, so the high half must never be negative.
	for i := 0; i < 1000; i++ {
		k := DeriveLockKey("solobot", fmt.Sprintf("credential-%d", i))
		if k < 0 {
			t.Fatalf("derived key %d is negative", k)
		}
		hi, _ := k.Split()
		if hi < 0 {
			t.Fatalf("high half %d of key %d is negative", hi, k)
		}
	}
}

func TestDeriveLockKey_Deterministic(t *testing.T) {
	a := DeriveLockKey("solobot", "bot-credential")
	b := DeriveLockKey("solobot", "bot-credential")
	if a != b {
		t.Fatalf("same inputs produced different keys: %d vs %d", a, b)
	}
}

func TestDeriveLockKey_NamespaceScoped(t *testing.T) {
	a := DeriveLockKey("production", "bot-credential")
	b := DeriveLockKey("staging", "bot-credential")
	if a == b {
		t.Fatal("different namespaces produced the same key")
	}
	c := DeriveLockKey("production", "other-credential")
	if a == c {
		t.Fatal("different identifiers produced the same key")
	}
}
