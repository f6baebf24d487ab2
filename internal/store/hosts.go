package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/models"
)

// CreateHost inserts a freshly-minted host record. The caller supplies
// id, session_id, vm_token, and the CREATING state; timestamps are
// assigned here and written back onto h.
func (s *Store) CreateHost(ctx context.Context, h *models.Host) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO warden.hosts (
			id, session_id, vm_token, user_id, platform, tier,
			provider, provider_region, placement_source, provider_metadata, max_cost_per_hour,
			agent_port, state, unhealthy_strikes, environment_ready, saves_mounted,
			user_lat, user_lon, save_ref, rom_ref, client_cert,
			auto_stop_timeout_s, last_agent_seq, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, NULLIF($8, ''), NULLIF($9, ''), $10, $11,
			$12, $13, 0, FALSE, FALSE,
			$14, $15, NULLIF($16, ''), NULLIF($17, ''), $18,
			$19, 0, NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`,
		h.ID, h.SessionID, h.VMToken, h.UserID, h.Platform, h.Tier,
		h.Provider, h.ProviderRegion, h.PlacementSource, h.ProviderMetadata, h.MaxCostPerHour,
		h.AgentPort, string(h.State),
		h.UserLat, h.UserLon, h.SaveRef, h.RomRef, h.ClientCertPEM,
		h.AutoStopTimeoutS,
	).Scan(&h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return internalErr(err, "host insert failed")
	}
	return nil
}

// GetHost returns the host record by id.
func (s *Store) GetHost(ctx context.Context, hostID string) (*models.Host, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM warden.hosts WHERE id = $1`, hostID)
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.E(fleet.KindNotFound, "host %s not found", hostID)
	}
	if err != nil {
		return nil, internalErr(err, "host lookup failed")
	}
	return h, nil
}

// GetHostByToken returns the host owning a vm_token. Used by the agent
// manifest fetch, where the token is the only credential.
func (s *Store) GetHostByToken(ctx context.Context, vmToken string) (*models.Host, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM warden.hosts WHERE vm_token = $1`, vmToken)
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.E(fleet.KindNotFound, "unknown vm token")
	}
	if err != nil {
		return nil, internalErr(err, "host lookup failed")
	}
	return h, nil
}

// FindActiveHost returns the newest non-terminal host owned by user_id
// for platform. Session dedupe: NotFound means the caller may provision.
func (s *Store) FindActiveHost(ctx context.Context, userID, platform string) (*models.Host, error) {
	dedupe := append(models.ActiveStates(), models.StateStopped)
	row := s.db.QueryRowContext(ctx, `
		SELECT `+hostColumns+`
		FROM warden.hosts
		WHERE user_id = $1 AND platform = $2 AND state = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, platform, pq.Array(stateStrings(dedupe)))
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.E(fleet.KindNotFound, "no active host for user %s on %s", userID, platform)
	}
	if err != nil {
		return nil, internalErr(err, "dedupe lookup failed")
	}
	return h, nil
}

// ListHostsByUser returns all hosts owned by a user, newest first.
func (s *Store) ListHostsByUser(ctx context.Context, userID string) ([]models.Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hostColumns+`
		FROM warden.hosts
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, internalErr(err, "host list failed")
	}
	return collectHosts(rows)
}

// ListHostsByState returns hosts currently in any of the given states.
func (s *Store) ListHostsByState(ctx context.Context, states ...models.LifecycleState) ([]models.Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hostColumns+`
		FROM warden.hosts
		WHERE state = ANY($1)
		ORDER BY created_at
	`, pq.Array(stateStrings(states)))
	if err != nil {
		return nil, internalErr(err, "host list failed")
	}
	return collectHosts(rows)
}

// CountHostsByState returns the fleet census, one row per state that
// has at least one host.
func (s *Store) CountHostsByState(ctx context.Context) (map[models.LifecycleState]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*)
		FROM warden.hosts
		GROUP BY state
	`)
	if err != nil {
		return nil, internalErr(err, "host census failed")
	}
	defer rows.Close()

	counts := make(map[models.LifecycleState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, internalErr(err, "host census scan failed")
		}
		counts[models.LifecycleState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, internalErr(err, "host census iteration failed")
	}
	return counts, nil
}

// ListStoppedBefore returns STOPPED hosts that have not been touched
// since cutoff, for the long-stopped destroy sweep.
func (s *Store) ListStoppedBefore(ctx context.Context, cutoff time.Time) ([]models.Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hostColumns+`
		FROM warden.hosts
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at
	`, string(models.StateStopped), cutoff)
	if err != nil {
		return nil, internalErr(err, "stopped sweep query failed")
	}
	return collectHosts(rows)
}

// ListHostsInWindow returns hosts whose lifetime overlaps [from, to],
// optionally filtered by provider and user. Billing rollup input.
func (s *Store) ListHostsInWindow(ctx context.Context, from, to time.Time, provider, userID string) ([]models.Host, error) {
	query := `
		SELECT ` + hostColumns + `
		FROM warden.hosts
		WHERE created_at <= $2 AND COALESCE(last_activity, updated_at) >= $1`
	args := []interface{}{from, to}

	if provider != "" {
		args = append(args, provider)
		query += fmt.Sprintf(" AND provider = $%d", len(args))
	}
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internalErr(err, "billing window query failed")
	}
	return collectHosts(rows)
}

func collectHosts(rows *sql.Rows) ([]models.Host, error) {
	defer rows.Close()
	var hosts []models.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, internalErr(err, "host scan failed")
		}
		hosts = append(hosts, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, internalErr(err, "host iteration failed")
	}
	return hosts, nil
}
