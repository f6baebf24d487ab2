package models

import (
	"time"
)

// SaveSlot tracks accumulated play time for a save file. The agent
// reports save events with a wall clock; accumulated seconds are
// recomputed from the session start rather than incremented, so
// re-delivered events cannot inflate the total.
type SaveSlot struct {
	SaveRef            string    `json:"save_ref" db:"save_ref"`
	HostID             string    `json:"host_id" db:"host_id"`
	UserID             string    `json:"user_id" db:"user_id"`
	Platform           string    `json:"platform" db:"platform"`
	SaveFilename       string    `json:"save_filename" db:"save_filename"`
	AccumulatedSeconds int64     `json:"accumulated_seconds" db:"accumulated_seconds"`
	WallClock          time.Time `json:"wall_clock" db:"wall_clock"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}
