package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/models"
)

// TransitionState drives a compare-and-set lifecycle edge: the update
// applies only while the host sits in one of the from states. Zero rows
// affected means the caller lost the race and gets a Conflict carrying
// the observed state (or NotFound when the host does not exist).
func (s *Store) TransitionState(ctx context.Context, hostID string, from []models.LifecycleState, to models.LifecycleState) error {
	for _, f := range from {
		if !models.CanTransition(f, to) {
			return fleet.E(fleet.KindInternal, "illegal lifecycle edge %s -> %s", f, to)
		}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = ANY($3)
	`, hostID, string(to), pq.Array(stateStrings(from)))
	if err != nil {
		return internalErr(err, "state transition failed")
	}
	return s.checkTransitioned(ctx, res, hostID, to)
}

// MarkFailed moves any failable host to FAILED and records the error
// string surfaced by GET /sessions.
func (s *Store) MarkFailed(ctx context.Context, hostID, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET state = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND state = ANY($4)
	`, hostID, string(models.StateFailed), detail, pq.Array(stateStrings(models.ActiveStates())))
	if err != nil {
		return internalErr(err, "failed-state transition failed")
	}
	return s.checkTransitioned(ctx, res, hostID, models.StateFailed)
}

// MarkConfiguring advances CREATING -> CONFIGURING once wait_ready has
// produced a reachable address.
func (s *Store) MarkConfiguring(ctx context.Context, hostID, address string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET state = $2, address = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, hostID, string(models.StateConfiguring), address, string(models.StateCreating))
	if err != nil {
		return internalErr(err, "configuring transition failed")
	}
	return s.checkTransitioned(ctx, res, hostID, models.StateConfiguring)
}

// MarkReady advances CONFIGURING -> READY and latches environment_ready.
func (s *Store) MarkReady(ctx context.Context, hostID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET state = $2, environment_ready = TRUE, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, hostID, string(models.StateReady), string(models.StateConfiguring))
	if err != nil {
		return internalErr(err, "ready transition failed")
	}
	return s.checkTransitioned(ctx, res, hostID, models.StateReady)
}

// MarkRunning applies the agent's started callback: READY -> RUNNING
// with the session clock and activity stamp set to startedAt.
func (s *Store) MarkRunning(ctx context.Context, hostID string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET state = $2, session_started_at = $3, last_activity = $3,
		    unhealthy_strikes = 0, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, hostID, string(models.StateRunning), startedAt, string(models.StateReady))
	if err != nil {
		return internalErr(err, "running transition failed")
	}
	return s.checkTransitioned(ctx, res, hostID, models.StateRunning)
}

// MarkActive wakes an IDLE host back to RUNNING on agent activity.
func (s *Store) MarkActive(ctx context.Context, hostID string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET state = $2, last_activity = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, hostID, string(models.StateRunning), ts, string(models.StateIdle))
	if err != nil {
		return internalErr(err, "activity transition failed")
	}
	return s.checkTransitioned(ctx, res, hostID, models.StateRunning)
}

// MarkIdle parks RUNNING -> IDLE and records when the last client left.
func (s *Store) MarkIdle(ctx context.Context, hostID string, since time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET state = $2, last_client_disconnect = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, hostID, string(models.StateIdle), since, string(models.StateRunning))
	if err != nil {
		return internalErr(err, "idle transition failed")
	}
	return s.checkTransitioned(ctx, res, hostID, models.StateIdle)
}

// ReviveStopped claims a STOPPED host for implicit restart: back to
// CREATING under a fresh session id with the per-session counters reset.
func (s *Store) ReviveStopped(ctx context.Context, hostID, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET state = $2, session_id = $3, session_started_at = NULL,
		    last_client_disconnect = NULL, unhealthy_strikes = 0,
		    last_agent_seq = 0, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, hostID, string(models.StateCreating), sessionID, string(models.StateStopped))
	if err != nil {
		return internalErr(err, "revive transition failed")
	}
	return s.checkTransitioned(ctx, res, hostID, models.StateCreating)
}

// SetProviderBinding records the provider's acceptance of a create
// call. Guarded on CREATING: a Conflict means a concurrent destroy won
// the race and the caller must clear the artifact instead of binding
// it to a terminal row.
func (s *Store) SetProviderBinding(ctx context.Context, hostID, handle, region, source string, metadata models.JSONB) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET provider_handle = $2, provider_region = NULLIF($3, ''),
		    placement_source = NULLIF($4, ''), provider_metadata = $5, updated_at = NOW()
		WHERE id = $1 AND state = $6
	`, hostID, handle, region, source, metadata, string(models.StateCreating))
	if err != nil {
		return internalErr(err, "provider binding update failed")
	}
	return s.checkTransitioned(ctx, res, hostID, models.StateCreating)
}

// UpdateAddress adopts a provider-reported address when the persisted
// mirror went stale, for example after a provider-side migration.
func (s *Store) UpdateAddress(ctx context.Context, hostID, address string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET address = $2, updated_at = NOW()
		WHERE id = $1
	`, hostID, address)
	if err != nil {
		return internalErr(err, "address update failed")
	}
	return s.checkFound(res, hostID)
}

// TouchActivity refreshes last_activity without a state change.
func (s *Store) TouchActivity(ctx context.Context, hostID string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET last_activity = $2, updated_at = NOW()
		WHERE id = $1
	`, hostID, ts)
	if err != nil {
		return internalErr(err, "activity update failed")
	}
	return s.checkFound(res, hostID)
}

// MarkHealthy resets the strike counter after a passing probe and
// refreshes last_activity.
func (s *Store) MarkHealthy(ctx context.Context, hostID string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET unhealthy_strikes = 0, last_activity = $2, updated_at = NOW()
		WHERE id = $1
	`, hostID, ts)
	if err != nil {
		return internalErr(err, "healthy update failed")
	}
	return s.checkFound(res, hostID)
}

// RecordStrike increments the probe-failure counter and returns the new
// total so the supervisor can act on the third strike.
func (s *Store) RecordStrike(ctx context.Context, hostID string) (int, error) {
	var strikes int
	err := s.db.QueryRowContext(ctx, `
		UPDATE warden.hosts
		SET unhealthy_strikes = unhealthy_strikes + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING unhealthy_strikes
	`, hostID).Scan(&strikes)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fleet.E(fleet.KindNotFound, "host %s not found", hostID)
	}
	if err != nil {
		return 0, internalErr(err, "strike update failed")
	}
	return strikes, nil
}

// ApplyAgentSeq advances the per-host callback sequence guard. False
// means the sequence is stale or duplicate and the callback's side
// effects must be skipped.
func (s *Store) ApplyAgentSeq(ctx context.Context, hostID string, seq int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warden.hosts
		SET last_agent_seq = $2, updated_at = NOW()
		WHERE id = $1 AND COALESCE(last_agent_seq, 0) < $2
	`, hostID, seq)
	if err != nil {
		return false, internalErr(err, "agent sequence update failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, internalErr(err, "agent sequence update failed")
	}
	if n > 0 {
		return true, nil
	}
	// Stale sequence and missing host both affect zero rows.
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM warden.hosts WHERE id = $1`, hostID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fleet.E(fleet.KindNotFound, "host %s not found", hostID)
	}
	if err != nil {
		return false, internalErr(err, "host lookup failed")
	}
	return false, nil
}

// checkTransitioned resolves a zero-rows CAS outcome into Conflict or
// NotFound.
func (s *Store) checkTransitioned(ctx context.Context, res sql.Result, hostID string, to models.LifecycleState) error {
	n, err := res.RowsAffected()
	if err != nil {
		return internalErr(err, "state transition failed")
	}
	if n > 0 {
		return nil
	}
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM warden.hosts WHERE id = $1`, hostID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.E(fleet.KindNotFound, "host %s not found", hostID)
	}
	if err != nil {
		return internalErr(err, "state lookup failed")
	}
	return fleet.E(fleet.KindConflict, "host %s is %s, cannot move to %s", hostID, current, to)
}

func (s *Store) checkFound(res sql.Result, hostID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return internalErr(err, "host update failed")
	}
	if n == 0 {
		return fleet.E(fleet.KindNotFound, "host %s not found", hostID)
	}
	return nil
}
