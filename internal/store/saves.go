package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/database"
	"github.com/nyc-design/Gamer/pkg/models"
)

// GetSaveSlot returns save-slot metadata by save_ref.
func (s *Store) GetSaveSlot(ctx context.Context, saveRef string) (*models.SaveSlot, error) {
	var slot models.SaveSlot
	err := s.db.QueryRowContext(ctx, `
		SELECT save_ref, host_id, user_id, platform, COALESCE(save_filename, ''),
		       accumulated_seconds, wall_clock, updated_at
		FROM warden.save_slots
		WHERE save_ref = $1
	`, saveRef).Scan(
		&slot.SaveRef, &slot.HostID, &slot.UserID, &slot.Platform, &slot.SaveFilename,
		&slot.AccumulatedSeconds, &slot.WallClock, &slot.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.E(fleet.KindNotFound, "save slot %s not found", saveRef)
	}
	if err != nil {
		return nil, internalErr(err, "save slot lookup failed")
	}
	return &slot, nil
}

// ApplySaveEvent upserts a save slot under the replace-not-increment
// rule: the row is replaced only when the event's wall clock is newer
// than the stored one, so replayed or reordered events converge on the
// latest value instead of inflating it. The host's saves_mounted flag
// latches true in the same transaction. Returns false for stale events.
func (s *Store) ApplySaveEvent(ctx context.Context, slot *models.SaveSlot) (bool, error) {
	applied := false
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO warden.save_slots (
				save_ref, host_id, user_id, platform, save_filename,
				accumulated_seconds, wall_clock, updated_at
			) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NOW())
			ON CONFLICT (save_ref) DO UPDATE SET
				host_id = EXCLUDED.host_id,
				save_filename = COALESCE(EXCLUDED.save_filename, warden.save_slots.save_filename),
				accumulated_seconds = EXCLUDED.accumulated_seconds,
				wall_clock = EXCLUDED.wall_clock,
				updated_at = NOW()
			WHERE warden.save_slots.wall_clock < EXCLUDED.wall_clock
		`, slot.SaveRef, slot.HostID, slot.UserID, slot.Platform, slot.SaveFilename,
			slot.AccumulatedSeconds, slot.WallClock)
		if err != nil {
			return internalErr(err, "save slot upsert failed")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return internalErr(err, "save slot upsert failed")
		}
		if n == 0 {
			return nil
		}
		applied = true
		_, err = tx.ExecContext(ctx, `
			UPDATE warden.hosts
			SET saves_mounted = TRUE, updated_at = NOW()
			WHERE id = $1 AND NOT saves_mounted
		`, slot.HostID)
		if err != nil {
			return internalErr(err, "saves_mounted update failed")
		}
		return nil
	})
	return applied, err
}
