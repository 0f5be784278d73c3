package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lanekit/solobot/internal/singleton"
)

// TryAcquireLock attempts a non-blocking advisory lock on a dedicated
// session. Advisory locks are session-scoped, so on success the pinned
// connection is held out of the pool until the returned release func runs;
// returning it early would silently drop the lock.
func (s *Store) TryAcquireLock(ctx context.Context, key singleton.LockKey) (bool, func(context.Context) error, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("lock session: %w", err)
	}

	classID, objID := key.Split()
	var acquired bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1, $2)`, classID, objID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, nil, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil, nil
	}

	release := func(ctx context.Context) error {
		var unlocked bool
		err := conn.QueryRowContext(ctx,
			`SELECT pg_advisory_unlock($1, $2)`, classID, objID).Scan(&unlocked)
		closeErr := conn.Close()
		if err != nil {
			return fmt.Errorf("pg_advisory_unlock: %w", err)
		}
		if !unlocked {
			return errors.New("pg_advisory_unlock returned false")
		}
		return closeErr
	}
	return true, release, nil
}

// InspectLockHolder reports the backend currently granted the advisory
// lock, or nil when nobody holds it. IdleFor is measured from the
// backend's last state change, which is the canonical staleness signal.
func (s *Store) InspectLockHolder(ctx context.Context, key singleton.LockKey) (*singleton.HolderInfo, error) {
	classID, objID := key.Split()
	// pg_locks stores the int4 pair as unsigned oids.
	var (
		pid         int
		idleSeconds float64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT a.pid,
		       COALESCE(EXTRACT(EPOCH FROM (now() - a.state_change)), 0)
		FROM pg_locks l
		JOIN pg_stat_activity a ON a.pid = l.pid
		WHERE l.locktype = 'advisory'
		  AND l.granted
		  AND l.classid = $1::oid
		  AND l.objid = $2::oid
		  AND l.objsubid = 2
		LIMIT 1`,
		int64(uint32(classID)), int64(uint32(objID)),
	).Scan(&pid, &idleSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspect lock holder: %w", err)
	}
	return &singleton.HolderInfo{
		PID:     pid,
		IdleFor: time.Duration(idleSeconds * float64(time.Second)),
	}, nil
}

// TerminateHolder forcibly ends the given backend's session, releasing any
// advisory locks it holds. Returns false if the backend no longer exists.
func (s *Store) TerminateHolder(ctx context.Context, pid int) (bool, error) {
	var terminated bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT pg_terminate_backend($1)`, pid).Scan(&terminated); err != nil {
		return false, fmt.Errorf("pg_terminate_backend(%d): %w", pid, err)
	}
	return terminated, nil
}

// UpsertHeartbeat records that this instance held the lock at now().
func (s *Store) UpsertHeartbeat(ctx context.Context, key singleton.LockKey, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO singleton_heartbeats (lock_key, holder_instance, last_heartbeat_at)
		VALUES ($1, $2, now())
		ON CONFLICT (lock_key)
		DO UPDATE SET holder_instance = EXCLUDED.holder_instance,
		              last_heartbeat_at = now()`,
		int64(key), instanceID)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// HeartbeatAge returns how long ago the holder last heartbeated. The
// second return value is false when no heartbeat row exists, which older
// deployments without the heartbeat table migration will report forever;
// callers must treat the age as corroboration, not proof of staleness.
func (s *Store) HeartbeatAge(ctx context.Context, key singleton.LockKey) (time.Duration, bool, error) {
	var ageSeconds float64
	err := s.db.QueryRowContext(ctx, `
		SELECT EXTRACT(EPOCH FROM (now() - last_heartbeat_at))
		FROM singleton_heartbeats WHERE lock_key = $1`,
		int64(key)).Scan(&ageSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read heartbeat: %w", err)
	}
	return time.Duration(ageSeconds * float64(time.Second)), true, nil
}
