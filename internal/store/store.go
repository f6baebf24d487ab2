// Package store is the Postgres persistence layer for the warden fleet:
// host records, platform profiles, and save-slot accounting. All host
// lifecycle updates go through compare-and-set on the state column so
// concurrent writers collapse to a single winner.
package store

import (
	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/database"
	"github.com/nyc-design/Gamer/pkg/models"
)

type Store struct {
	db database.PostgresConn
}

func NewStore(db database.PostgresConn) *Store {
	return &Store{db: db}
}

// hostColumns is the canonical select list; scanHost must stay in sync.
const hostColumns = `id, session_id, vm_token, user_id, platform, tier,
		provider, provider_handle, COALESCE(provider_region, ''), COALESCE(placement_source, ''),
		provider_metadata, max_cost_per_hour, address, agent_port, state,
		unhealthy_strikes, environment_ready, saves_mounted, user_lat, user_lon,
		COALESCE(save_ref, ''), COALESCE(rom_ref, ''), client_cert, auto_stop_timeout_s,
		session_started_at, last_client_disconnect, COALESCE(last_agent_seq, 0),
		last_activity, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHost(row scanner) (*models.Host, error) {
	var h models.Host
	err := row.Scan(
		&h.ID, &h.SessionID, &h.VMToken, &h.UserID, &h.Platform, &h.Tier,
		&h.Provider, &h.ProviderHandle, &h.ProviderRegion, &h.PlacementSource,
		&h.ProviderMetadata, &h.MaxCostPerHour, &h.Address, &h.AgentPort, &h.State,
		&h.UnhealthyStrikes, &h.EnvironmentReady, &h.SavesMounted, &h.UserLat, &h.UserLon,
		&h.SaveRef, &h.RomRef, &h.ClientCertPEM, &h.AutoStopTimeoutS,
		&h.SessionStartedAt, &h.LastClientDisconnect, &h.LastAgentSeq,
		&h.LastActivity, &h.LastError, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func stateStrings(states []models.LifecycleState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func internalErr(err error, detail string) error {
	return fleet.Wrap(fleet.KindInternal, err, detail)
}
